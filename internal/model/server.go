package model

import "math"

// ServerCandidate is a test server entry from the directory service. The
// URL identifies the candidate; missing coordinates are stored as NaN.
type ServerCandidate struct {
	URL       string  `json:"url"`
	Provider  string  `json:"provider"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// HasValidCoordinates returns whether the candidate can be placed on the globe.
func (c ServerCandidate) HasValidCoordinates() bool {
	return validCoordinates(c.Latitude, c.Longitude)
}

// RankedCandidate is a candidate annotated with its distance from the client.
type RankedCandidate struct {
	Candidate      ServerCandidate
	DistanceMeters float64
}

// SelectedServer is the outcome of latency based selection.
type SelectedServer struct {
	// HostWithPort is the server URL without its scheme, e.g. "host:port".
	HostWithPort string `json:"host"`

	// Provider is the provider name from the candidate list.
	Provider string `json:"provider"`

	// RTTMillis is the winning round trip, rounded to 3 decimals.
	RTTMillis float64 `json:"ping_ms"`
}

// LocationSource tells where a [ClientLocation] came from.
type LocationSource int

const (
	// LocationDeviceGPS is a location reported by the device.
	LocationDeviceGPS = LocationSource(iota)

	// LocationIPGeolocation is the location of the IP geolocation record.
	LocationIPGeolocation
)

// String implements fmt.Stringer.
func (s LocationSource) String() string {
	switch s {
	case LocationDeviceGPS:
		return "device_gps"
	case LocationIPGeolocation:
		return "ip_geolocation"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s LocationSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ClientLocation is the position the candidates are ranked against.
type ClientLocation struct {
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	Source    LocationSource `json:"source"`
}

// IsSet returns true when both components are non-zero. A location with a
// zero component is treated as "unknown", matching devices that report 0
// before the first fix.
func (l ClientLocation) IsSet() bool {
	return l.Latitude != 0 && l.Longitude != 0 && validCoordinates(l.Latitude, l.Longitude)
}

// IPInfo is the record returned by the IP geolocation endpoint.
type IPInfo struct {
	IP  string   `json:"ip"`
	ISP string   `json:"isp"`
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// Location converts the record into a [ClientLocation]. The second return
// value is false when coordinates are missing or invalid.
func (i *IPInfo) Location() (ClientLocation, bool) {
	if i == nil || i.Lat == nil || i.Lon == nil || !validCoordinates(*i.Lat, *i.Lon) {
		return ClientLocation{}, false
	}
	return ClientLocation{
		Latitude:  *i.Lat,
		Longitude: *i.Lon,
		Source:    LocationIPGeolocation,
	}, true
}

func validCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
