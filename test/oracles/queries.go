package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_hold_matches_state",
			SQL: `SELECT d.id, d.is_resolved, d.party_b IS NOT NULL AS joined, h.held, d.amount
                  FROM disputes d LEFT JOIN escrow_holds h ON h.dispute_id = d.id
                  WHERE h.dispute_id IS NULL
                     OR (d.is_resolved AND h.held <> 0)
                     OR (NOT d.is_resolved AND d.party_b IS NULL AND h.held <> d.amount)
                     OR (NOT d.is_resolved AND d.party_b IS NOT NULL AND h.held <> 2*d.amount)`,
		},
		{
			Name: "O2_winner_is_a_party",
			SQL: `SELECT id, winner FROM disputes
                  WHERE is_resolved
                    AND (winner IS NULL
                         OR (winner <> party_a AND (party_b IS NULL OR winner <> party_b)))`,
		},
		{
			Name: "O3_resolved_consumes_request",
			SQL: `SELECT d.id, r.handle FROM disputes d
                  JOIN resolution_requests r ON r.dispute_id = d.id
                  WHERE d.is_resolved AND r.consumed_at IS NULL`,
		},
		{
			Name: "O4_single_open_request",
			SQL: `SELECT dispute_id, COUNT(*) FROM resolution_requests
                  WHERE consumed_at IS NULL
                  GROUP BY dispute_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_request_needs_full_arguments",
			SQL: `SELECT id FROM disputes
                  WHERE request_handle IS NOT NULL
                    AND (party_b IS NULL OR case_a = '' OR case_b = '')`,
		},
		{
			Name: "O6_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT dispute_id, seq,
                             LAG(seq) OVER (PARTITION BY dispute_id ORDER BY seq) AS prev
                      FROM dispute_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O7_no_negative_money",
			SQL: `SELECT party_id::text AS holder, balance AS units FROM accounts WHERE balance < 0
                  UNION ALL
                  SELECT dispute_id::text, held FROM escrow_holds WHERE held < 0`,
		},
		{
			Name: "O8_resolution_is_forward_only",
			SQL: `SELECT id FROM disputes
                  WHERE is_resolved AND (resolved_at IS NULL OR resolved_at < created_at)`,
		},
		{
			Name: "O9_outbox_not_stuck",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
