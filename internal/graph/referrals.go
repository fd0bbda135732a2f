package graph

import (
	"context"
	"fmt"
)

const (
	referCypher = `
MERGE (c:Participant {id: $id})
WITH c
MATCH (r:Participant {id: $referrer})
MERGE (r)-[:REFERRED]->(c)`

	nodeCypher = `MERGE (:Participant {id: $id})`

	referralsCypher = `
MATCH (r:Participant)-[:REFERRED]->(c:Participant)
WHERE r.id IN $ids
RETURN r.id AS referrer, c.id AS referral
ORDER BY referrer, referral`
)

// Referrals stores referral edges in the graph. It satisfies
// network.ReferralSource.
type Referrals struct {
	client Client
}

// NewReferrals creates a Referrals over client.
func NewReferrals(client Client) *Referrals {
	return &Referrals{client: client}
}

// AddParticipant records a participant node and, when referrerID is not
// empty, the edge from its referrer. Edges are never revised.
func (g *Referrals) AddParticipant(ctx context.Context, id, referrerID string) error {
	cypher, params := nodeCypher, map[string]any{"id": id}
	if referrerID != "" {
		cypher = referCypher
		params["referrer"] = referrerID
	}
	if _, err := g.client.ExecuteWrite(ctx, cypher, params); err != nil {
		return fmt.Errorf("graph add participant %s: %w", id, err)
	}
	return nil
}

// Referrals returns the direct referrals of each referrer.
func (g *Referrals) Referrals(ctx context.Context, referrerIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(referrerIDs))
	if len(referrerIDs) == 0 {
		return out, nil
	}
	res, err := g.client.ExecuteRead(ctx, referralsCypher, map[string]any{"ids": referrerIDs})
	if err != nil {
		return nil, fmt.Errorf("graph referrals: %w", err)
	}
	for _, rec := range res.Records {
		referrer, err := rec.String("referrer")
		if err != nil {
			return nil, fmt.Errorf("graph referrals: %w", err)
		}
		referral, err := rec.String("referral")
		if err != nil {
			return nil, fmt.Errorf("graph referrals: %w", err)
		}
		out[referrer] = append(out[referrer], referral)
	}
	return out, nil
}
