package model

import "fmt"

// Coordinate bounds. Altitude spans the deepest ocean trench to the
// highest summit, in metres.
const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
	MinAltitude  = -11000.0
	MaxAltitude  = 9000.0
)

// Location places an Institution or Node on the map.
type Location struct {
	Latitude  *float64 `yaml:"latitude,omitempty" json:"latitude,omitempty"`
	Longitude *float64 `yaml:"longitude,omitempty" json:"longitude,omitempty"`
	Altitude  *float64 `yaml:"altitude,omitempty" json:"altitude,omitempty"`
	UNLOCODE  string   `yaml:"unlocode,omitempty" json:"unlocode,omitempty"`
	Address   string   `yaml:"address,omitempty" json:"address,omitempty"`
}

// Clamp forces every coordinate into its valid range and returns one
// warning per value it had to change.
func (l *Location) Clamp() []string {
	var warnings []string
	clamp := func(name string, v *float64, lo, hi float64) {
		if v == nil {
			return
		}
		switch {
		case *v < lo:
			warnings = append(warnings, fmt.Sprintf("%s %v below %v, clamped", name, *v, lo))
			*v = lo
		case *v > hi:
			warnings = append(warnings, fmt.Sprintf("%s %v above %v, clamped", name, *v, hi))
			*v = hi
		}
	}
	clamp("latitude", l.Latitude, MinLatitude, MaxLatitude)
	clamp("longitude", l.Longitude, MinLongitude, MaxLongitude)
	clamp("altitude", l.Altitude, MinAltitude, MaxAltitude)
	return warnings
}

// FillFrom copies every field of src into l that is unset on l.
func (l *Location) FillFrom(src Location) {
	if l.Latitude == nil && src.Latitude != nil {
		v := *src.Latitude
		l.Latitude = &v
	}
	if l.Longitude == nil && src.Longitude != nil {
		v := *src.Longitude
		l.Longitude = &v
	}
	if l.Altitude == nil && src.Altitude != nil {
		v := *src.Altitude
		l.Altitude = &v
	}
	if l.UNLOCODE == "" {
		l.UNLOCODE = src.UNLOCODE
	}
	if l.Address == "" {
		l.Address = src.Address
	}
}

// FillFrom copies the bounds of src that are unset on l.
func (l *Lifetime) FillFrom(src Lifetime) {
	if l.Start == nil && src.Start != nil {
		v := *src.Start
		l.Start = &v
	}
	if l.End == nil && src.End != nil {
		v := *src.End
		l.End = &v
	}
}

// FillFrom merges the scalar fields of src into e wherever e has none.
// Identity, kind, endpoints and relationships are left alone.
func (e *Element) FillFrom(src Element) {
	if e.Name == "" {
		e.Name = src.Name
	}
	if e.ShortName == "" {
		e.ShortName = src.ShortName
	}
	if e.Version == "" {
		e.Version = src.Version
	}
	if e.NodeType == "" {
		e.NodeType = src.NodeType
	}
	e.Location.FillFrom(src.Location)
	e.Lifetime.FillFrom(src.Lifetime)
}

// Float returns a pointer to v, for building Locations in literals.
func Float(v float64) *float64 {
	return &v
}
