package guard

import (
	"fmt"
	"net/netip"

	maxminddb "github.com/oschwald/maxminddb-golang/v2"
)

// MaxMindGeoLookup implements GeoLookup over a local MaxMind GeoLite2-Country
// (or GeoIP2-Country) database, satisfying the guard's optional
// network-exfiltration enrichment: when a network-exfil rule denies a command
// embedding a literal IP, the country it resolves to is appended to the
// denial reason. The lookup never changes the allow/deny outcome.
type MaxMindGeoLookup struct {
	db *maxminddb.Reader
}

// OpenMaxMindGeoLookup opens a MaxMind database file. Callers should Close
// it on shutdown; a Guard built with a nil GeoLookup simply skips
// IP-country enrichment, so failing to open one is not fatal to the guard.
func OpenMaxMindGeoLookup(path string) (*MaxMindGeoLookup, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("guard: open maxmind database: %w", err)
	}
	return &MaxMindGeoLookup{db: db}, nil
}

// Close releases the underlying database file.
func (m *MaxMindGeoLookup) Close() error {
	return m.db.Close()
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// CountryForIP implements GeoLookup.
func (m *MaxMindGeoLookup) CountryForIP(ip string) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	var rec countryRecord
	if err := m.db.Lookup(addr).Decode(&rec); err != nil || rec.Country.ISOCode == "" {
		return "", false
	}
	return rec.Country.ISOCode, true
}
