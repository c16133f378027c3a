// Package setup resolves where the daemon keeps its state and loads the
// optional qemud.yaml configuration file.
//
// Like the command packages, it is allowed to log through a package-level
// logger configured with SetLogger.
package setup
