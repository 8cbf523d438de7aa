package model

import (
	"fmt"
	"regexp"
	"time"
)

type Container struct {
	ID        string    `json:"id"`
	Names     string    `json:"names"`
	Image     string    `json:"image"`
	Status    string    `json:"status"`
	State     string    `json:"state,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Image struct {
	ID         string    `json:"id"`
	Repository string    `json:"repository"`
	Tag        string    `json:"tag"`
	Size       string    `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Name is the repository:tag reference, or the ID for dangling images.
func (i Image) Name() string {
	if i.Repository == "" || i.Repository == "<none>" {
		return i.ID
	}
	if i.Tag == "" || i.Tag == "<none>" {
		return i.Repository
	}
	return i.Repository + ":" + i.Tag
}

var dockerDateRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) ([+-]\d{4})`)

// ParseDockerDate parses the CLI's CreatedAt format, e.g.
// "2025-11-02 22:33:14 +0100 CET". The trailing zone abbreviation is
// ignored; the numeric offset is authoritative.
func ParseDockerDate(s string) (time.Time, error) {
	m := dockerDateRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("invalid docker date %q", s)
	}
	t, err := time.Parse("2006-01-02 15:04:05 -0700", m[1]+" "+m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid docker date %q: %w", s, err)
	}
	return t, nil
}
