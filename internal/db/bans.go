package db

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// DomainBan blocks a domain from following and from receiving broadcasts.
type DomainBan struct {
	Domain  string
	Reason  string
	Note    string
	Created time.Time
}

// SoftwareBan blocks instances by the software name they report in nodeinfo.
type SoftwareBan struct {
	Name    string
	Reason  string
	Note    string
	Created time.Time
}

// WhitelistEntry allows a domain through when whitelist mode is enabled.
type WhitelistEntry struct {
	Domain  string
	Created time.Time
}

// RelaySoftware is the set of names the magic "RELAYS" software-ban token
// expands to.
var RelaySoftware = []string{
	"activityrelay",
	"aoderelay",
	"social.seattle.wa.us-relay",
	"unciarelay",
}

// ─── Domain bans ──────────────────────────────────────────────────────────────

// GetDomainBan returns the ban row for a domain.
func (s *Store) GetDomainBan(domain string) (DomainBan, error) {
	var (
		ban          DomainBan
		reason, note sql.NullString
		created      int64
	)
	err := s.db.QueryRow(
		`SELECT domain, reason, note, created FROM domain_bans WHERE domain = `+s.ph(),
		domain).Scan(&ban.Domain, &reason, &note, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ban, ErrNotFound
		}
		return ban, err
	}
	ban.Reason = reason.String
	ban.Note = note.String
	ban.Created = time.Unix(created, 0).UTC()
	return ban, nil
}

// GetDomainBans returns all domain bans.
func (s *Store) GetDomainBans() ([]DomainBan, error) {
	rows, err := s.query(`SELECT domain, reason, note, created FROM domain_bans ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []DomainBan
	for rows.Next() {
		var (
			ban          DomainBan
			reason, note sql.NullString
			created      int64
		)
		if err := rows.Scan(&ban.Domain, &reason, &note, &created); err != nil {
			return nil, err
		}
		ban.Reason = reason.String
		ban.Note = note.String
		ban.Created = time.Unix(created, 0).UTC()
		result = append(result, ban)
	}
	return result, rows.Err()
}

// PutDomainBan creates a domain ban. In the same transaction any subscribed
// inbox on that domain is removed and any whitelist entry is dropped, so a
// banned domain cannot remain subscribed or whitelisted.
func (s *Store) PutDomainBan(ban DomainBan) error {
	return s.txExec(func(tx *sql.Tx) error {
		insert := s.q(
			`INSERT INTO domain_bans (domain, reason, note, created) VALUES (?, ?, ?, ?)`,
			`INSERT INTO domain_bans (domain, reason, note, created) VALUES ($1, $2, $3, $4)`,
		)
		if _, err := tx.Exec(insert, ban.Domain, nullable(ban.Reason),
			nullable(ban.Note), epoch(ban.Created)); err != nil {
			return conflict(err)
		}

		if _, err := tx.Exec(`DELETE FROM inboxes WHERE domain = `+s.ph(), ban.Domain); err != nil {
			return err
		}

		_, err := tx.Exec(`DELETE FROM whitelist WHERE domain = `+s.ph(), ban.Domain)
		return err
	})
}

// UpdateDomainBan replaces the reason and note of an existing ban.
func (s *Store) UpdateDomainBan(domain, reason, note string) error {
	query := s.q(
		`UPDATE domain_bans SET reason = ?, note = ? WHERE domain = ?`,
		`UPDATE domain_bans SET reason = $1, note = $2 WHERE domain = $3`,
	)
	res, err := s.exec(query, nullable(reason), nullable(note), domain)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DelDomainBan removes a domain ban.
func (s *Store) DelDomainBan(domain string) error {
	res, err := s.exec(`DELETE FROM domain_bans WHERE domain = `+s.ph(), domain)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ─── Software bans ────────────────────────────────────────────────────────────

// GetSoftwareBan returns the ban row for a software name (case-insensitive).
func (s *Store) GetSoftwareBan(name string) (SoftwareBan, error) {
	var (
		ban          SoftwareBan
		reason, note sql.NullString
		created      int64
	)
	err := s.db.QueryRow(
		`SELECT name, reason, note, created FROM software_bans WHERE name = `+s.ph(),
		strings.ToLower(name)).Scan(&ban.Name, &reason, &note, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ban, ErrNotFound
		}
		return ban, err
	}
	ban.Reason = reason.String
	ban.Note = note.String
	ban.Created = time.Unix(created, 0).UTC()
	return ban, nil
}

// GetSoftwareBans returns all software bans.
func (s *Store) GetSoftwareBans() ([]SoftwareBan, error) {
	rows, err := s.query(`SELECT name, reason, note, created FROM software_bans ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SoftwareBan
	for rows.Next() {
		var (
			ban          SoftwareBan
			reason, note sql.NullString
			created      int64
		)
		if err := rows.Scan(&ban.Name, &reason, &note, &created); err != nil {
			return nil, err
		}
		ban.Reason = reason.String
		ban.Note = note.String
		ban.Created = time.Unix(created, 0).UTC()
		result = append(result, ban)
	}
	return result, rows.Err()
}

// PutSoftwareBan creates a software ban and, in the same transaction,
// removes subscribed inboxes running that software. The magic name "RELAYS"
// expands to one ban row per known relay implementation.
func (s *Store) PutSoftwareBan(ban SoftwareBan) error {
	names := []string{strings.ToLower(ban.Name)}
	if ban.Name == "RELAYS" {
		names = RelaySoftware
	}

	return s.txExec(func(tx *sql.Tx) error {
		insert := s.q(
			`INSERT INTO software_bans (name, reason, note, created) VALUES (?, ?, ?, ?)`,
			`INSERT INTO software_bans (name, reason, note, created) VALUES ($1, $2, $3, $4)`,
		)
		remove := s.q(
			`DELETE FROM inboxes WHERE LOWER(software) = ?`,
			`DELETE FROM inboxes WHERE LOWER(software) = $1`,
		)

		for _, name := range names {
			if _, err := tx.Exec(insert, name, nullable(ban.Reason),
				nullable(ban.Note), epoch(ban.Created)); err != nil {
				return conflict(err)
			}
			if _, err := tx.Exec(remove, name); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateSoftwareBan replaces the reason and note of an existing ban.
func (s *Store) UpdateSoftwareBan(name, reason, note string) error {
	query := s.q(
		`UPDATE software_bans SET reason = ?, note = ? WHERE name = ?`,
		`UPDATE software_bans SET reason = $1, note = $2 WHERE name = $3`,
	)
	res, err := s.exec(query, nullable(reason), nullable(note), strings.ToLower(name))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DelSoftwareBan removes a software ban.
func (s *Store) DelSoftwareBan(name string) error {
	res, err := s.exec(`DELETE FROM software_bans WHERE name = `+s.ph(), strings.ToLower(name))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ─── Whitelist ────────────────────────────────────────────────────────────────

// GetWhitelistEntry returns the whitelist row for a domain.
func (s *Store) GetWhitelistEntry(domain string) (WhitelistEntry, error) {
	var (
		entry   WhitelistEntry
		created int64
	)
	err := s.db.QueryRow(
		`SELECT domain, created FROM whitelist WHERE domain = `+s.ph(),
		domain).Scan(&entry.Domain, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entry, ErrNotFound
		}
		return entry, err
	}
	entry.Created = time.Unix(created, 0).UTC()
	return entry, nil
}

// GetWhitelist returns all whitelist entries.
func (s *Store) GetWhitelist() ([]WhitelistEntry, error) {
	rows, err := s.query(`SELECT domain, created FROM whitelist ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []WhitelistEntry
	for rows.Next() {
		var (
			entry   WhitelistEntry
			created int64
		)
		if err := rows.Scan(&entry.Domain, &created); err != nil {
			return nil, err
		}
		entry.Created = time.Unix(created, 0).UTC()
		result = append(result, entry)
	}
	return result, rows.Err()
}

// PutWhitelistEntry adds a domain to the whitelist.
func (s *Store) PutWhitelistEntry(domain string) error {
	query := s.q(
		`INSERT INTO whitelist (domain, created) VALUES (?, ?)`,
		`INSERT INTO whitelist (domain, created) VALUES ($1, $2)`,
	)
	_, err := s.exec(query, domain, epoch(time.Time{}))
	return conflict(err)
}

// DelWhitelistEntry removes a domain from the whitelist.
func (s *Store) DelWhitelistEntry(domain string) error {
	res, err := s.exec(`DELETE FROM whitelist WHERE domain = `+s.ph(), domain)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
