package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-review/internal/platform/database"
	"github.com/p-n-ai/pai-review/internal/srs"
)

const dbTimeout = 5 * time.Second

// PostgresStore is a PostgreSQL-backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

const unitColumns = `cu.id, cu.language, cu.question, cu.answer, COALESCE(cu.source_scope, ''), cu.is_manual, cu.created_at`

func scanUnit(row pgx.Row) (ContentUnit, error) {
	var u ContentUnit
	err := row.Scan(&u.ID, &u.Language, &u.Question, &u.Answer, &u.SourceScope, &u.IsManuallyAuthored, &u.CreatedAt)
	return u, err
}

func collectUnits(rows pgx.Rows) ([]ContentUnit, error) {
	defer rows.Close()
	var out []ContentUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content unit: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content units: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetUnit(ctx context.Context, id string) (ContentUnit, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	u, err := scanUnit(s.pool.QueryRow(ctx,
		`SELECT `+unitColumns+` FROM content_units cu WHERE cu.id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ContentUnit{}, notFound("content unit", id)
		}
		return ContentUnit{}, fmt.Errorf("get content unit: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUnits(ctx context.Context, ids []string) (map[string]ContentUnit, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+unitColumns+` FROM content_units cu WHERE cu.id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query content units: %w", err)
	}
	units, err := collectUnits(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ContentUnit, len(units))
	for _, u := range units {
		out[u.ID] = u
	}
	return out, nil
}

// scopeTreeCTE expands $1 into the scope and its descendants with a sort
// path of sibling positions.
const scopeTreeCTE = `WITH RECURSIVE tree AS (
	SELECT s.id, ARRAY[s.position] AS path, ARRAY[s.id] AS visited
	FROM scopes s WHERE s.id = $1
	UNION ALL
	SELECT c.id, t.path || c.position, t.visited || c.id
	FROM scopes c JOIN tree t ON c.parent_id = t.id
	WHERE NOT c.id = ANY(t.visited)
)`

func (s *PostgresStore) ScopeUnits(ctx context.Context, scopeID string) ([]ContentUnit, error) {
	return s.scopeUnits(ctx, scopeID, false)
}

func (s *PostgresStore) ManualUnits(ctx context.Context, scopeID string) ([]ContentUnit, error) {
	return s.scopeUnits(ctx, scopeID, true)
}

func (s *PostgresStore) scopeUnits(ctx context.Context, scopeID string, manualOnly bool) ([]ContentUnit, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM scopes WHERE id = $1)`, scopeID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup scope: %w", err)
	}
	if !exists {
		return nil, notFound("scope", scopeID)
	}

	rows, err := s.pool.Query(ctx,
		scopeTreeCTE+`
		SELECT `+unitColumns+`
		FROM tree t
		JOIN scope_units su ON su.scope_id = t.id
		JOIN content_units cu ON cu.id = su.unit_id
		WHERE ($2::boolean IS FALSE OR cu.is_manual)
		ORDER BY t.path, su.position, cu.created_at, cu.id`,
		scopeID,
		manualOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("query scope units: %w", err)
	}
	return collectUnits(rows)
}

func (s *PostgresStore) MappingsByVariants(ctx context.Context, variantIDs []string) (map[string]TranslationMapping, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT base_id, target_language, variant_id, created_at
		 FROM translation_mappings
		 WHERE variant_id = ANY($1)`,
		variantIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]TranslationMapping)
	for rows.Next() {
		var m TranslationMapping
		if err := rows.Scan(&m.BaseID, &m.TargetLanguage, &m.VariantID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out[m.VariantID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Variants(ctx context.Context, baseIDs []string, language string) (map[string]ContentUnit, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT m.base_id, `+unitColumns+`
		 FROM translation_mappings m
		 JOIN content_units cu ON cu.id = m.variant_id
		 WHERE m.base_id = ANY($1) AND m.target_language = $2`,
		baseIDs,
		language,
	)
	if err != nil {
		return nil, fmt.Errorf("query variants: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ContentUnit)
	for rows.Next() {
		var baseID string
		var u ContentUnit
		if err := rows.Scan(&baseID, &u.ID, &u.Language, &u.Question, &u.Answer, &u.SourceScope, &u.IsManuallyAuthored, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		out[baseID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variants: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AllVariants(ctx context.Context, baseIDs []string) (map[string][]ContentUnit, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT m.base_id, `+unitColumns+`
		 FROM translation_mappings m
		 JOIN content_units cu ON cu.id = m.variant_id
		 WHERE m.base_id = ANY($1)
		 ORDER BY m.base_id, m.target_language`,
		baseIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("query variants: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]ContentUnit)
	for rows.Next() {
		var baseID string
		var u ContentUnit
		if err := rows.Scan(&baseID, &u.ID, &u.Language, &u.Question, &u.Answer, &u.SourceScope, &u.IsManuallyAuthored, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		out[baseID] = append(out[baseID], u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variants: %w", err)
	}
	return out, nil
}

// CreateVariant inserts the variant unit and its mapping in one transaction.
// The primary key on (base_id, target_language) makes the loser of a race
// roll back both rows and receive ErrMappingConflict.
func (s *PostgresStore) CreateVariant(ctx context.Context, baseID string, variant ContentUnit) (ContentUnit, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if variant.ID == "" {
		variant.ID = uuid.NewString()
	}

	err := database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO content_units (id, language, question, answer, source_scope, is_manual, created_at)
			 SELECT $1, $2, $3, $4, b.source_scope, b.is_manual, NOW()
			 FROM content_units b
			 WHERE b.id = $5
			   AND NOT EXISTS (SELECT 1 FROM translation_mappings WHERE variant_id = $5)
			 RETURNING COALESCE(source_scope, ''), is_manual, created_at`,
			variant.ID,
			variant.Language,
			variant.Question,
			variant.Answer,
			baseID,
		).Scan(&variant.SourceScope, &variant.IsManuallyAuthored, &variant.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return missingBase(ctx, tx, baseID)
			}
			return fmt.Errorf("insert variant: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO translation_mappings (base_id, target_language, variant_id, created_at)
			 VALUES ($1, $2, $3, $4)`,
			baseID,
			variant.Language,
			variant.ID,
			variant.CreatedAt,
		); err != nil {
			if database.IsUniqueViolation(err) {
				return ErrMappingConflict
			}
			return fmt.Errorf("insert mapping: %w", err)
		}
		return nil
	})
	if err != nil {
		return ContentUnit{}, err
	}
	return variant, nil
}

// missingBase explains why CreateVariant found no base row to copy from.
func missingBase(ctx context.Context, tx pgx.Tx, baseID string) error {
	var isVariant bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM translation_mappings WHERE variant_id = $1)`, baseID,
	).Scan(&isVariant); err != nil {
		return fmt.Errorf("check base unit: %w", err)
	}
	if isVariant {
		return fmt.Errorf("%w: %s is a translation variant", ErrInvalidArgument, baseID)
	}
	return notFound("content unit", baseID)
}

func (s *PostgresStore) ScheduleStates(ctx context.Context, learnerID string, baseIDs []string) (map[string]ScheduleState, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT learner_id, base_unit_id, ease_factor, interval_days, repetitions, last_attempt_at, next_review_date
		 FROM schedule_states
		 WHERE learner_id = $1 AND base_unit_id = ANY($2)`,
		learnerID,
		baseIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("query schedule states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ScheduleState)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out[st.BaseContentUnitID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedule states: %w", err)
	}
	return out, nil
}

func scanState(row pgx.Row) (ScheduleState, error) {
	var st ScheduleState
	if err := row.Scan(
		&st.LearnerID,
		&st.BaseContentUnitID,
		&st.EaseFactor,
		&st.IntervalDays,
		&st.Repetitions,
		&st.LastAttemptAt,
		&st.NextReviewDate,
	); err != nil {
		return ScheduleState{}, fmt.Errorf("scan schedule state: %w", err)
	}
	return st, nil
}

// ApplyAttempt locks the (learner, base unit) row with SELECT ... FOR UPDATE
// so a concurrent attempt waits and then reads the committed state. A first
// attempt seeds the row inside the same transaction. Deadlocks and
// serialization failures rerun the whole transaction.
func (s *PostgresStore) ApplyAttempt(ctx context.Context, learnerID, baseID string, rating srs.Rating, at time.Time, advance AdvanceFunc) (ScheduleState, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var next ScheduleState
	err := database.WithRetry(ctx, attemptTxRetries, func() error {
		return database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
			var err error
			next, err = applyAttemptTx(ctx, tx, learnerID, baseID, rating, at, advance)
			return err
		})
	})
	if err != nil {
		return ScheduleState{}, err
	}
	return next, nil
}

const attemptTxRetries = 3

func applyAttemptTx(ctx context.Context, tx pgx.Tx, learnerID, baseID string, rating srs.Rating, at time.Time, advance AdvanceFunc) (ScheduleState, error) {
	cmd, err := tx.Exec(ctx,
		`INSERT INTO schedule_states (learner_id, base_unit_id, ease_factor, interval_days, repetitions)
		 SELECT $1, cu.id, 0, 0, 0 FROM content_units cu WHERE cu.id = $2
		 ON CONFLICT (learner_id, base_unit_id) DO NOTHING`,
		learnerID,
		baseID,
	)
	if err != nil {
		return ScheduleState{}, fmt.Errorf("seed schedule state: %w", err)
	}
	seeded := cmd.RowsAffected() == 1

	row := tx.QueryRow(ctx,
		`SELECT learner_id, base_unit_id, ease_factor, interval_days, repetitions, last_attempt_at, next_review_date
		 FROM schedule_states
		 WHERE learner_id = $1 AND base_unit_id = $2
		 FOR UPDATE`,
		learnerID,
		baseID,
	)
	locked, err := scanState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ScheduleState{}, notFound("content unit", baseID)
		}
		return ScheduleState{}, err
	}

	var prior *ScheduleState
	if !seeded && locked.LastAttemptAt != nil {
		prior = &locked
	}

	next, err := advance(prior)
	if err != nil {
		return ScheduleState{}, err
	}
	next.LearnerID = learnerID
	next.BaseContentUnitID = baseID

	if _, err := tx.Exec(ctx,
		`UPDATE schedule_states
		 SET ease_factor = $3, interval_days = $4, repetitions = $5,
		     last_attempt_at = $6, next_review_date = $7
		 WHERE learner_id = $1 AND base_unit_id = $2`,
		learnerID,
		baseID,
		next.EaseFactor,
		next.IntervalDays,
		next.Repetitions,
		next.LastAttemptAt,
		next.NextReviewDate,
	); err != nil {
		return ScheduleState{}, fmt.Errorf("update schedule state: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO attempt_events
		   (learner_id, base_unit_id, rating, attempt_at, ease_factor, interval_days, repetitions, next_review_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		learnerID,
		baseID,
		int(rating),
		at,
		next.EaseFactor,
		next.IntervalDays,
		next.Repetitions,
		derefTime(next.NextReviewDate),
	); err != nil {
		return ScheduleState{}, fmt.Errorf("insert attempt event: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) ScheduleSummary(ctx context.Context, learnerID string, now time.Time) (ScheduleSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var sum ScheduleSummary
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE next_review_date IS NULL OR next_review_date <= $2),
		        COUNT(*) FILTER (WHERE interval_days >= $3)
		 FROM schedule_states
		 WHERE learner_id = $1`,
		learnerID,
		now,
		matureIntervalDays,
	).Scan(&sum.Tracked, &sum.DueNow, &sum.Mature)
	if err != nil {
		return ScheduleSummary{}, fmt.Errorf("schedule summary: %w", err)
	}
	return sum, nil
}

// dayMetricsSelect aggregates attempt_events for the day [$2, $3) into
// daily_review_metrics rows. $4 limits it to one learner unless empty.
const dayMetricsSelect = `SELECT e.learner_id, $1::date,
        COUNT(*),
        COUNT(*) FILTER (WHERE e.rating >= 3),
        COUNT(*) FILTER (WHERE e.rating <= 2),
        COUNT(*) FILTER (WHERE NOT EXISTS (
            SELECT 1 FROM attempt_events p
            WHERE p.learner_id = e.learner_id
              AND p.base_unit_id = e.base_unit_id
              AND (p.attempt_at < e.attempt_at OR (p.attempt_at = e.attempt_at AND p.id < e.id))
        ))
 FROM attempt_events e
 WHERE e.attempt_at >= $2 AND e.attempt_at < $3
   AND ($4::text = '' OR e.learner_id = $4::text)
 GROUP BY e.learner_id`

func (s *PostgresStore) RollupDaily(ctx context.Context, day time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	start := truncateDay(day)
	cmd, err := s.pool.Exec(ctx,
		`INSERT INTO daily_review_metrics (learner_id, day, attempts, passes, failures, new_cards)
		 `+dayMetricsSelect+`
		 ON CONFLICT (learner_id, day) DO UPDATE
		 SET attempts = EXCLUDED.attempts,
		     passes = EXCLUDED.passes,
		     failures = EXCLUDED.failures,
		     new_cards = EXCLUDED.new_cards`,
		start,
		start,
		start.AddDate(0, 0, 1),
		"",
	)
	if err != nil {
		return 0, fmt.Errorf("rollup daily metrics: %w", err)
	}
	return int(cmd.RowsAffected()), nil
}

func (s *PostgresStore) DayMetrics(ctx context.Context, learnerID string, day time.Time) (DailyMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	start := truncateDay(day)
	m := DailyMetrics{LearnerID: learnerID, Day: start}
	err := s.pool.QueryRow(ctx, dayMetricsSelect,
		start,
		start,
		start.AddDate(0, 0, 1),
		learnerID,
	).Scan(&m.LearnerID, &m.Day, &m.Attempts, &m.Passes, &m.Failures, &m.NewCards)
	if errors.Is(err, pgx.ErrNoRows) {
		return DailyMetrics{LearnerID: learnerID, Day: start}, nil
	}
	if err != nil {
		return DailyMetrics{}, fmt.Errorf("day metrics: %w", err)
	}
	m.Day = m.Day.UTC()
	return m, nil
}

func (s *PostgresStore) DailyMetrics(ctx context.Context, learnerID string, from, to time.Time) ([]DailyMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT learner_id, day, attempts, passes, failures, new_cards
		 FROM daily_review_metrics
		 WHERE learner_id = $1 AND day BETWEEN $2::date AND $3::date
		 ORDER BY day`,
		learnerID,
		truncateDay(from),
		truncateDay(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query daily metrics: %w", err)
	}
	defer rows.Close()

	var out []DailyMetrics
	for rows.Next() {
		var m DailyMetrics
		if err := rows.Scan(&m.LearnerID, &m.Day, &m.Attempts, &m.Passes, &m.Failures, &m.NewCards); err != nil {
			return nil, fmt.Errorf("scan daily metrics: %w", err)
		}
		m.Day = m.Day.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily metrics: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertScope(ctx context.Context, scope Scope) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO scopes (id, parent_id, name, position)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET parent_id = EXCLUDED.parent_id, name = EXCLUDED.name, position = EXCLUDED.position`,
		scope.ID,
		nullIfEmpty(scope.ParentID),
		scope.Name,
		scope.Position,
	)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return notFound("scope", scope.ParentID)
		}
		return fmt.Errorf("upsert scope: %w", err)
	}
	return nil
}

// UpsertBaseUnits writes base units and lists them in scopeID. Ids that are
// already translation variants are skipped. A unit whose text changed loses
// its translations, so the next request translates the new text.
func (s *PostgresStore) UpsertBaseUnits(ctx context.Context, scopeID string, units []ContentUnit) ([]ContentUnit, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var out []ContentUnit
	err := database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var position int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(position) + 1, 0) FROM scope_units WHERE scope_id = $1`, scopeID,
		).Scan(&position); err != nil {
			return fmt.Errorf("next scope position: %w", err)
		}

		for _, u := range units {
			if u.ID == "" {
				u.ID = uuid.NewString()
			}
			if u.SourceScope == "" {
				u.SourceScope = scopeID
			}
			if err := dropStaleVariants(ctx, tx, u); err != nil {
				return err
			}
			err := tx.QueryRow(ctx,
				`INSERT INTO content_units (id, language, question, answer, source_scope, is_manual)
				 SELECT $1, $2, $3, $4, $5, $6
				 WHERE NOT EXISTS (SELECT 1 FROM translation_mappings WHERE variant_id = $1)
				 ON CONFLICT (id) DO UPDATE
				 SET language = EXCLUDED.language, question = EXCLUDED.question,
				     answer = EXCLUDED.answer, is_manual = EXCLUDED.is_manual
				 RETURNING created_at`,
				u.ID,
				u.Language,
				u.Question,
				u.Answer,
				u.SourceScope,
				u.IsManuallyAuthored,
			).Scan(&u.CreatedAt)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				if database.IsForeignKeyViolation(err) {
					return notFound("scope", scopeID)
				}
				return fmt.Errorf("upsert content unit: %w", err)
			}

			if _, err := tx.Exec(ctx,
				`INSERT INTO scope_units (scope_id, unit_id, position)
				 VALUES ($1, $2, $3)
				 ON CONFLICT (scope_id, unit_id) DO NOTHING`,
				scopeID,
				u.ID,
				position,
			); err != nil {
				return fmt.Errorf("link scope unit: %w", err)
			}
			position++
			out = append(out, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// dropStaleVariants deletes the variant units of u when the stored text of
// u differs. Their mappings go with them through ON DELETE CASCADE.
func dropStaleVariants(ctx context.Context, tx pgx.Tx, u ContentUnit) error {
	var old ContentUnit
	err := tx.QueryRow(ctx,
		`SELECT language, question, answer FROM content_units WHERE id = $1 FOR UPDATE`, u.ID,
	).Scan(&old.Language, &old.Question, &old.Answer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read content unit: %w", err)
	}
	if !textChanged(old, u) {
		return nil
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM content_units
		 WHERE id IN (SELECT variant_id FROM translation_mappings WHERE base_id = $1)`,
		u.ID,
	); err != nil {
		return fmt.Errorf("drop stale variants: %w", err)
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
