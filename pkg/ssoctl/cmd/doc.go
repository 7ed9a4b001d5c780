// Package cmd implements the cobra command tree for the ssoctl CLI. Every
// command works on the session of the profile selected in the config file.
package cmd
