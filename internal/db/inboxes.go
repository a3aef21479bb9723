package db

import (
	"database/sql"
	"errors"
	"time"
)

// Instance is one subscribed (or pending) instance row. Domain is the
// natural key; Actor and Inbox are IRIs; FollowID is the IRI of the Follow
// activity that created the subscription, used to match a later Undo.
type Instance struct {
	Domain   string
	Actor    string
	Inbox    string
	FollowID string
	Software string
	Accepted bool
	Failures int
	// FailedSince is the start of the current unbroken failure streak;
	// zero when the destination is healthy.
	FailedSince time.Time
	Created     time.Time
}

const inboxColumns = `domain, actor, inbox, followid, software, accepted, failures, failed_since, created`

func scanInstance(row interface{ Scan(...any) error }) (Instance, error) {
	var (
		inst                      Instance
		actor, followid, software sql.NullString
		failedSince               sql.NullInt64
		accepted                  int
		created                   int64
	)
	err := row.Scan(&inst.Domain, &actor, &inst.Inbox, &followid, &software,
		&accepted, &inst.Failures, &failedSince, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inst, ErrNotFound
		}
		return inst, err
	}
	inst.Accepted = accepted != 0
	inst.Actor = actor.String
	inst.FollowID = followid.String
	inst.Software = software.String
	if failedSince.Valid {
		inst.FailedSince = time.Unix(failedSince.Int64, 0).UTC()
	}
	inst.Created = time.Unix(created, 0).UTC()
	return inst, nil
}

// GetInbox looks up an instance row by domain, actor IRI, or inbox IRI.
func (s *Store) GetInbox(needle string) (Instance, error) {
	query := s.q(
		`SELECT `+inboxColumns+` FROM inboxes WHERE domain = ? OR actor = ? OR inbox = ?`,
		`SELECT `+inboxColumns+` FROM inboxes WHERE domain = $1 OR actor = $2 OR inbox = $3`,
	)
	return scanInstance(s.db.QueryRow(query, needle, needle, needle))
}

// PutInbox inserts or updates an instance row, keyed on domain.
func (s *Store) PutInbox(inst Instance) error {
	query := s.q(
		`INSERT INTO inboxes (domain, actor, inbox, followid, software, accepted, failures, failed_since, created)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (domain) DO UPDATE SET
				actor = excluded.actor, inbox = excluded.inbox,
				followid = excluded.followid, software = excluded.software,
				accepted = excluded.accepted`,
		`INSERT INTO inboxes (domain, actor, inbox, followid, software, accepted, failures, failed_since, created)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (domain) DO UPDATE SET
				actor = EXCLUDED.actor, inbox = EXCLUDED.inbox,
				followid = EXCLUDED.followid, software = EXCLUDED.software,
				accepted = EXCLUDED.accepted`,
	)

	var failedSince any
	if !inst.FailedSince.IsZero() {
		failedSince = inst.FailedSince.UTC().Unix()
	}

	accepted := 0
	if inst.Accepted {
		accepted = 1
	}

	_, err := s.exec(query,
		inst.Domain, nullable(inst.Actor), inst.Inbox, nullable(inst.FollowID),
		nullable(inst.Software), accepted, inst.Failures, failedSince,
		epoch(inst.Created))
	return err
}

// DelInbox removes an instance row by domain, actor IRI, or inbox IRI.
// Returns ErrNotFound when nothing matched.
func (s *Store) DelInbox(needle string) error {
	query := s.q(
		`DELETE FROM inboxes WHERE domain = ? OR actor = ? OR inbox = ?`,
		`DELETE FROM inboxes WHERE domain = $1 OR actor = $2 OR inbox = $3`,
	)
	res, err := s.exec(query, needle, needle, needle)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetInboxes returns all accepted instance rows.
func (s *Store) GetInboxes() ([]Instance, error) {
	return s.selectInboxes(`SELECT ` + inboxColumns + ` FROM inboxes WHERE accepted = 1 ORDER BY domain`)
}

// GetRequests returns pending follow requests awaiting admin approval.
func (s *Store) GetRequests() ([]Instance, error) {
	return s.selectInboxes(`SELECT ` + inboxColumns + ` FROM inboxes WHERE accepted = 0 ORDER BY domain`)
}

func (s *Store) selectInboxes(query string, args ...any) ([]Instance, error) {
	rows, err := s.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

// AcceptRequest marks a pending follow request as accepted.
func (s *Store) AcceptRequest(domain string) (Instance, error) {
	query := s.q(
		`UPDATE inboxes SET accepted = 1 WHERE domain = ? AND accepted = 0`,
		`UPDATE inboxes SET accepted = 1 WHERE domain = $1 AND accepted = 0`,
	)
	res, err := s.exec(query, domain)
	if err != nil {
		return Instance{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Instance{}, ErrNotFound
	}
	return s.GetInbox(domain)
}

// SetInboxSoftware backfills the software column once nodeinfo is known.
func (s *Store) SetInboxSoftware(domain, software string) error {
	query := s.q(
		`UPDATE inboxes SET software = ? WHERE domain = ?`,
		`UPDATE inboxes SET software = $1 WHERE domain = $2`,
	)
	_, err := s.exec(query, nullable(software), domain)
	return err
}

// RecordDeliverySuccess clears the failure streak for a destination.
func (s *Store) RecordDeliverySuccess(domain string) error {
	query := s.q(
		`UPDATE inboxes SET failures = 0, failed_since = NULL WHERE domain = ?`,
		`UPDATE inboxes SET failures = 0, failed_since = NULL WHERE domain = $1`,
	)
	_, err := s.exec(query, domain)
	return err
}

// RecordDeliveryFailure bumps the failure counter and starts the failure
// streak clock if this is the first failure.
func (s *Store) RecordDeliveryFailure(domain string, at time.Time) error {
	when := at.UTC().Unix()
	query := s.q(
		`UPDATE inboxes SET failures = failures + 1,
			failed_since = COALESCE(failed_since, ?) WHERE domain = ?`,
		`UPDATE inboxes SET failures = failures + 1,
			failed_since = COALESCE(failed_since, $1) WHERE domain = $2`,
	)
	_, err := s.exec(query, when, domain)
	return err
}

// PruneFailedInboxes removes destinations whose failure streak started
// before cutoff. Returns the removed domains.
func (s *Store) PruneFailedInboxes(cutoff time.Time) ([]string, error) {
	when := cutoff.UTC().Unix()

	selQuery := s.q(
		`SELECT domain FROM inboxes WHERE failed_since IS NOT NULL AND failed_since < ?`,
		`SELECT domain FROM inboxes WHERE failed_since IS NOT NULL AND failed_since < $1`,
	)
	rows, err := s.query(selQuery, when)
	if err != nil {
		return nil, err
	}
	domains, err := scanStringRows(rows)
	if err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		return nil, nil
	}

	delQuery := s.q(
		`DELETE FROM inboxes WHERE failed_since IS NOT NULL AND failed_since < ?`,
		`DELETE FROM inboxes WHERE failed_since IS NOT NULL AND failed_since < $1`,
	)
	if _, err := s.exec(delQuery, when); err != nil {
		return nil, err
	}
	return domains, nil
}
