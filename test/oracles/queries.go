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
			Name: "O1_pool_conservation",
			SQL: `SELECT * FROM trrf_pool
                  WHERE total_pool <> utilized + available
                     OR available < 0 OR utilized < 0`,
		},
		{
			Name: "O2_single_resolving_consent_event",
			SQL: `SELECT consent_id, COUNT(*) FROM consent_events
                  WHERE kind IN ('explicit_consent','dispute_raised','passive_consent','window_expired')
                  GROUP BY consent_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_consent_status_matches_log",
			SQL: `SELECT r.id, r.status FROM consent_records r
                  WHERE (r.status <> 'pending') <> EXISTS (
                      SELECT 1 FROM consent_events e
                      WHERE e.consent_id = r.id
                        AND e.kind IN ('explicit_consent','dispute_raised','passive_consent','window_expired'))`,
		},
		{
			Name: "O4_funded_implies_consent_and_reservation",
			SQL: `SELECT i.id, i.status FROM invoices i
                  WHERE i.status IN ('funded','paid','defaulted')
                    AND (NOT EXISTS (
                           SELECT 1 FROM consent_records r
                           WHERE r.invoice_id = i.id
                             AND r.status IN ('acknowledged','passive_approved'))
                      OR NOT EXISTS (
                           SELECT 1 FROM trrf_reservations t WHERE t.invoice_id = i.id))`,
		},
		{
			Name: "O5_consent_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT consent_id, seq,
                             LAG(seq) OVER (PARTITION BY consent_id ORDER BY seq) AS prev
                      FROM consent_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O6_outbox_staleness",
			SQL: `SELECT id, topic, status, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O7_invoice_amount_split",
			SQL: `SELECT id, amount, funded_amount, available_amount FROM invoices
                  WHERE funded_amount + available_amount <> amount
                     OR funded_amount < 0 OR available_amount < 0`,
		},
		{
			Name: "O8_single_held_reservation",
			SQL: `SELECT invoice_id, COUNT(*) FROM trrf_reservations
                  WHERE status = 'held'
                  GROUP BY invoice_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_scored_invoices_carry_checks",
			SQL: `SELECT i.id FROM invoices i
                  WHERE i.trust_score IS NOT NULL
                    AND NOT EXISTS (SELECT 1 FROM validation_checks c WHERE c.invoice_id = i.id)`,
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
