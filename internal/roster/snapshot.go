// Package roster is the chef station's cache of student public keys and
// today's meal permissions.
package roster

import (
	"context"
	"time"

	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// Snapshot is an immutable view of the roster for one date. A refresh
// builds a new Snapshot; existing ones are never modified.
type Snapshot struct {
	date        string
	fetchedAt   time.Time
	keys        map[string]voucher.StudentKey
	permissions map[string]voucher.Permission
}

// NewSnapshot indexes keys and the permissions for date.
func NewSnapshot(date string, fetchedAt time.Time, keys []voucher.StudentKey, perms []voucher.Permission) *Snapshot {
	s := &Snapshot{
		date:        date,
		fetchedAt:   fetchedAt,
		keys:        make(map[string]voucher.StudentKey, len(keys)),
		permissions: make(map[string]voucher.Permission, len(perms)),
	}
	for _, k := range keys {
		s.keys[k.UserID] = k
	}
	for _, p := range perms {
		p.Date = date
		s.permissions[p.StudentID] = p
	}
	return s
}

func (s *Snapshot) Date() string         { return s.date }
func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }
func (s *Snapshot) StudentCount() int    { return len(s.keys) }

// StudentKey looks up a student's registered key.
func (s *Snapshot) StudentKey(_ context.Context, userID string) (voucher.StudentKey, bool, error) {
	k, ok := s.keys[userID]
	return k, ok, nil
}

// Permission returns the student's flags for date. Permissions are only
// known for the snapshot's own date.
func (s *Snapshot) Permission(_ context.Context, studentID, date string) (voucher.Permission, bool, error) {
	if date != s.date {
		return voucher.Permission{}, false, nil
	}
	p, ok := s.permissions[studentID]
	return p, ok, nil
}
