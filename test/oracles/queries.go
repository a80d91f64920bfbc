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

// All returns the invariant checks. Each query selects VIOLATING rows, so
// every oracle must come back empty.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_selected_offer",
			SQL: `SELECT request_id, COUNT(*) FROM offers
                  WHERE status = 'selected'
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_live_offer_per_provider",
			SQL: `SELECT request_id, provider_id, COUNT(*) FROM offers
                  WHERE status IN ('pending','selected')
                  GROUP BY request_id, provider_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_assignment_follows_status",
			SQL: `SELECT r.id FROM requests r
                  WHERE r.status NOT IN ('new','cancelled') AND r.provider_id IS NULL`,
		},
		{
			Name: "O4_milestone_ord_contiguous",
			SQL: `WITH live AS (
                      SELECT agreement_id, ord,
                             ROW_NUMBER() OVER (PARTITION BY agreement_id ORDER BY ord) AS rn
                      FROM milestones WHERE deleted_at IS NULL)
                  SELECT * FROM live WHERE ord <> rn`,
		},
		{
			Name: "O5_duration_matches_milestones",
			SQL: `SELECT a.id, a.duration_days, a.extension_days, SUM(m.due_days) AS milestone_days
                  FROM agreements a
                  JOIN milestones m ON m.agreement_id = a.id AND m.deleted_at IS NULL
                  WHERE a.status <> 'draft'
                  GROUP BY a.id
                  HAVING SUM(m.due_days) + a.extension_days <> a.duration_days`,
		},
		{
			Name: "O6_completion_gate",
			SQL: `SELECT r.id FROM requests r
                  JOIN agreements a ON a.request_id = r.id
                  WHERE r.status = 'completed'
                    AND (EXISTS (SELECT 1 FROM invoices i
                                 WHERE i.agreement_id = a.id AND i.amount > 0 AND i.status <> 'paid')
                      OR EXISTS (SELECT 1 FROM milestones m
                                 WHERE m.agreement_id = a.id AND m.deleted_at IS NULL AND m.status <> 'approved'))`,
		},
		{
			Name: "O7_single_active_dispute",
			SQL: `SELECT request_id, COUNT(*) FROM disputes
                  WHERE status IN ('open','in_review')
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_frozen_matches_active_dispute",
			SQL: `SELECT r.id, r.frozen FROM requests r
                  WHERE r.frozen <> EXISTS (SELECT 1 FROM disputes d
                                            WHERE d.request_id = r.id AND d.status IN ('open','in_review'))`,
		},
		{
			Name: "O9_paid_invoices_timestamped",
			SQL: `SELECT id FROM invoices
                  WHERE (status = 'paid' AND paid_at IS NULL)
                     OR (status = 'unpaid' AND paid_at IS NOT NULL)`,
		},
		{
			Name: "O10_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
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
