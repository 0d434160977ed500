// Package persistence stores instrument settings as JSON files so that
// persistent parameters survive a session restart without a device read.
package persistence
