package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrCampaignActive is returned when deleting a campaign that is sending
	ErrCampaignActive = errors.New("campaign is sending")

	// ErrStoreUnavailable wraps every failed persistence call
	ErrStoreUnavailable = errors.New("store unavailable")
)

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func now() time.Time {
	return time.Now().UTC()
}
