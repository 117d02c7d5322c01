// Package storage persists reminders, their notification history and the
// trigger entries that drive the scheduler.
//
// All mutations for one reminder run inside Store.Update so the reminder row
// and its trigger change together or not at all.
package storage
