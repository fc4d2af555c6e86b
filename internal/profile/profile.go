// Package profile classifies a device's surroundings into a behavioural
// profile from network identity, time of day and movement.
package profile

import (
	"fmt"
	"math"
	"strings"

	"github.com/lazypower/tether/internal/config"
)

type Profile string

const (
	Home      Profile = "home"
	Office    Profile = "office"
	Traveling Profile = "traveling"
	Default   Profile = "default"
)

// Parse maps a stored name back to a Profile.
func Parse(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(s)); p {
	case Home, Office, Traveling, Default:
		return p, nil
	case "":
		return Default, nil
	default:
		return Default, fmt.Errorf("unknown profile %q", s)
	}
}

// Actions are the behaviour changes a profile applies.
type Actions struct {
	SuppressAudioNotifications bool    `json:"suppress_audio_notifications"`
	RiskThresholdOffset        float64 `json:"risk_threshold_offset"`
}

func (p Profile) Actions() Actions {
	switch p {
	case Office:
		return Actions{SuppressAudioNotifications: true}
	case Traveling:
		return Actions{RiskThresholdOffset: -0.1}
	default:
		return Actions{}
	}
}

// Evidence records which signals produced a classification.
type Evidence struct {
	Network         string  `json:"network,omitempty"`
	NetworkMatch    string  `json:"network_match,omitempty"` // home, office
	Hour            int     `json:"hour"`
	InOfficeHours   bool    `json:"in_office_hours"`
	LocationDeltaKm float64 `json:"location_delta_km"`
	Moved           bool    `json:"moved"`
}

type Result struct {
	Profile  Profile  `json:"profile"`
	Evidence Evidence `json:"evidence"`
}

// Rules holds the classification inputs. The zero value classifies
// everything as Default or Traveling.
type Rules struct {
	HomeNetworks    []string
	OfficeNetworks  []string
	OfficeStartHour int
	OfficeEndHour   int
	TravelDeltaKm   float64
}

func NewRules(cfg config.ProfileConfig) Rules {
	return Rules{
		HomeNetworks:    cfg.HomeNetworks,
		OfficeNetworks:  cfg.OfficeNetworks,
		OfficeStartHour: cfg.OfficeStartHour,
		OfficeEndHour:   cfg.OfficeEndHour,
		TravelDeltaKm:   cfg.TravelDeltaKm,
	}
}

// Classify is pure: identical inputs always give identical results.
// Network identity beats time of day, which beats movement.
func (r Rules) Classify(network string, hour int, locationDeltaKm float64) Result {
	hour = ((hour % 24) + 24) % 24
	if math.IsNaN(locationDeltaKm) {
		locationDeltaKm = 0
	}
	locationDeltaKm = math.Abs(locationDeltaKm)

	ev := Evidence{
		Network:         network,
		Hour:            hour,
		InOfficeHours:   r.inOfficeHours(hour),
		LocationDeltaKm: locationDeltaKm,
		Moved:           r.TravelDeltaKm > 0 && locationDeltaKm >= r.TravelDeltaKm,
	}

	switch {
	case contains(r.HomeNetworks, network):
		ev.NetworkMatch = "home"
		return Result{Profile: Home, Evidence: ev}
	case contains(r.OfficeNetworks, network):
		ev.NetworkMatch = "office"
		if ev.InOfficeHours {
			return Result{Profile: Office, Evidence: ev}
		}
		return Result{Profile: Default, Evidence: ev}
	case ev.Moved:
		return Result{Profile: Traveling, Evidence: ev}
	default:
		return Result{Profile: Default, Evidence: ev}
	}
}

// inOfficeHours handles windows that wrap midnight (start > end). Equal
// bounds mean the whole day.
func (r Rules) inOfficeHours(hour int) bool {
	start, end := r.OfficeStartHour, r.OfficeEndHour
	switch {
	case start == end:
		return true
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

func contains(networks []string, network string) bool {
	if network == "" {
		return false
	}
	for _, n := range networks {
		if strings.EqualFold(n, network) {
			return true
		}
	}
	return false
}
