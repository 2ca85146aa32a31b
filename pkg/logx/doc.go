// Package logx configures courier's structured logging.
//
// logx.Logger is a small wrapper on top of zerolog. Console output is
// human-readable with a short timestamp and caller; file output is JSON.
// Outputs and level can be swapped at runtime with Service.Apply.
package logx
