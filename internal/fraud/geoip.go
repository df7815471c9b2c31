package fraud

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP resolves activation IPs to countries for the dispersion signal.
// A nil reader (no database configured) degrades to empty lookups rather
// than failing activations.
type GeoIP struct {
	db *geoip2.Reader
}

// NewGeoIP opens the MaxMind database at path. An empty path yields a
// resolver that returns no countries.
func NewGeoIP(path string) (*GeoIP, error) {
	if path == "" {
		return &GeoIP{}, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &GeoIP{db: db}, nil
}

// Close closes the underlying database.
func (g *GeoIP) Close() error {
	if g.db != nil {
		return g.db.Close()
	}
	return nil
}

// Country returns the ISO country code for an IP, or empty when the
// database is absent or the IP cannot be resolved.
func (g *GeoIP) Country(ipStr string) string {
	if g.db == nil {
		return ""
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}
	record, err := g.db.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}
