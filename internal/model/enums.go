package model

import (
	"fmt"
	"strings"
)

// Rank is the ordered reward tier. The zero value is RankRecruit.
type Rank int

const (
	RankRecruit Rank = iota
	RankBronze
	RankSilver
	RankGold
)

// Ranks lists every rank from lowest to highest.
var Ranks = []Rank{RankRecruit, RankBronze, RankSilver, RankGold}

var rankNames = map[Rank]string{
	RankRecruit: "RECRUIT",
	RankBronze:  "BRONZE",
	RankSilver:  "SILVER",
	RankGold:    "GOLD",
}

func (r Rank) String() string {
	if s, ok := rankNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Rank(%d)", int(r))
}

// Valid reports whether r is one of the defined ranks.
func (r Rank) Valid() bool {
	_, ok := rankNames[r]
	return ok
}

// ParseRank converts a rank name (case-insensitive) into a Rank.
func ParseRank(s string) (Rank, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for r, name := range rankNames {
		if name == s {
			return r, nil
		}
	}
	return RankRecruit, fmt.Errorf("model: unknown rank %q", s)
}

func (r Rank) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Rank) UnmarshalText(b []byte) error {
	parsed, err := ParseRank(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RankStatus is the state of a participant's rank, independent of the rank value.
type RankStatus string

const (
	StatusActive            RankStatus = "ACTIVE"
	StatusWarning           RankStatus = "WARNING"
	StatusTemporaryDownrank RankStatus = "TEMPORARY_DOWNRANK"
	StatusDownranked        RankStatus = "DOWNRANKED"
)

// CommissionStatus tracks a commission record through settlement.
type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "PENDING"
	CommissionPaid      CommissionStatus = "PAID"
	CommissionCancelled CommissionStatus = "CANCELLED"
)
