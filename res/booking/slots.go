package booking

import "fmt"

// Slot is one bookable hour on a given date.
type Slot struct {
	Time      string `json:"time"`
	Available bool   `json:"available"`
}

// HourlySlots lists the hours from open (inclusive) to close (exclusive) as
// "HH:00", with booked hours marked unavailable.
func HourlySlots(open, close int, booked []string) []Slot {
	taken := make(map[string]bool, len(booked))
	for _, t := range booked {
		taken[t] = true
	}

	var slots []Slot
	for h := open; h < close; h++ {
		t := fmt.Sprintf("%02d:00", h)
		slots = append(slots, Slot{Time: t, Available: !taken[t]})
	}
	return slots
}
