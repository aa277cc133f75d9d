// Package ui renders sessions for the terminal: the status table, the
// highlighted change set shown by `nightshift diff`, and the live
// dashboard behind `nightshift watch`.
//
// Everything here is presentation. Values come from status.Summary and
// review.ChangeSet; nothing in this package touches git or processes.
package ui
