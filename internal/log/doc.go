// Package log configures zerolog for the pipeline binary.
//
// Components never reach for the package logger themselves; the command
// wiring hands them a child logger from WithComponent.
package log
