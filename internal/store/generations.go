package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"photoforge/backend/internal/lifecycle"
)

type Generation struct {
	ID           uuid.UUID         `json:"id"`
	UserID       uuid.UUID         `json:"user_id"`
	ModelID      uuid.UUID         `json:"model_id"`
	Prompt       string            `json:"prompt"`
	Settings     map[string]string `json:"settings"`
	AspectRatio  string            `json:"aspect_ratio"`
	NumOutputs   int               `json:"num_outputs"`
	Status       lifecycle.Status  `json:"status"`
	ReplicateID  string            `json:"replicate_id,omitempty"`
	Output       json.RawMessage   `json:"output,omitempty"`
	Images       []string          `json:"images"`
	Caption      string            `json:"caption,omitempty"`
	Error        string            `json:"error,omitempty"`
	Attempts     int               `json:"attempts"`
	DeadLettered bool              `json:"dead_lettered"`
	CostCredits  int               `json:"cost_credits"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

type NewGeneration struct {
	UserID      uuid.UUID
	ModelID     uuid.UUID
	Prompt      string
	Settings    map[string]string
	AspectRatio string
	NumOutputs  int
}

const generationColumns = `id, user_id, model_id, prompt, settings, aspect_ratio, num_outputs, status, replicate_id,
	output, images, caption, error, attempts, dead_lettered, cost_credits, created_at, updated_at, completed_at`

func scanGeneration(row pgx.Row) (*Generation, error) {
	var g Generation
	var status string
	var settings, output, images []byte
	var replicateID, caption, errMsg *string
	err := row.Scan(&g.ID, &g.UserID, &g.ModelID, &g.Prompt, &settings, &g.AspectRatio, &g.NumOutputs, &status, &replicateID,
		&output, &images, &caption, &errMsg, &g.Attempts, &g.DeadLettered, &g.CostCredits,
		&g.CreatedAt, &g.UpdatedAt, &g.CompletedAt)
	if err != nil {
		return nil, notFound(err)
	}
	g.Status = lifecycle.Status(status)
	g.ReplicateID = deref(replicateID)
	g.Caption = deref(caption)
	g.Error = deref(errMsg)
	if len(output) > 0 {
		g.Output = output
	}
	_ = json.Unmarshal(settings, &g.Settings)
	if g.Settings == nil {
		g.Settings = map[string]string{}
	}
	_ = json.Unmarshal(images, &g.Images)
	if g.Images == nil {
		g.Images = []string{}
	}
	return &g, nil
}

func collectGenerations(rows pgx.Rows) ([]Generation, error) {
	defer rows.Close()
	list := []Generation{}
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *g)
	}
	return list, rows.Err()
}

// CreateGeneration inserts the row and debits cost in one transaction.
func (db *DB) CreateGeneration(ctx context.Context, in NewGeneration, cost int) (uuid.UUID, int, error) {
	id := uuid.New()
	settings, err := json.Marshal(in.Settings)
	if err != nil {
		return uuid.Nil, 0, err
	}
	var balance int
	err = db.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO generations (id, user_id, model_id, prompt, settings, aspect_ratio, num_outputs, cost_credits)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, in.UserID, in.ModelID, in.Prompt, settings, in.AspectRatio, in.NumOutputs, cost)
		if err != nil {
			return err
		}
		balance, err = DebitTx(ctx, tx, in.UserID, cost, ReasonGeneration, id.String())
		return err
	})
	if err != nil {
		return uuid.Nil, 0, err
	}
	return id, balance, nil
}

func (db *DB) GetGeneration(ctx context.Context, id uuid.UUID) (*Generation, error) {
	return scanGeneration(db.Pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`, id))
}

func (db *DB) GetGenerationForUser(ctx context.Context, id, userID uuid.UUID) (*Generation, error) {
	return scanGeneration(db.Pool.QueryRow(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = $1 AND user_id = $2`, id, userID))
}

func (db *DB) GenerationByReplicateID(ctx context.Context, replicateID string) (*Generation, error) {
	return scanGeneration(db.Pool.QueryRow(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE replicate_id = $1`, replicateID))
}

// SetPredictionStarted records the Replicate prediction id once.
func (db *DB) SetPredictionStarted(ctx context.Context, id uuid.UUID, replicateID string) (bool, error) {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE generations SET replicate_id = $2, attempts = attempts + 1, updated_at = NOW(), checked_at = NOW()
		 WHERE id = $1 AND replicate_id IS NULL AND status = ANY($3)`,
		id, replicateID, lifecycle.NonTerminal())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyGenerationStatus moves the generation through the lifecycle, storing
// the raw vendor output when given. Returns false for illegal or repeated
// moves so callers can drop late and duplicate events.
func (db *DB) ApplyGenerationStatus(ctx context.Context, id uuid.UUID, to lifecycle.Status, output json.RawMessage, errMsg string) (bool, error) {
	var out []byte
	if len(output) > 0 {
		out = output
	}
	return applyStatus(ctx, db.Pool, "generations", id, to, errMsg, `, output = COALESCE($5, output)`, out)
}

// SetGenerationImages stores the mirrored image URLs.
func (db *DB) SetGenerationImages(ctx context.Context, id uuid.UUID, images []string) error {
	b, err := json.Marshal(images)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `UPDATE generations SET images = $2, updated_at = NOW() WHERE id = $1`, id, b)
	return err
}

func (db *DB) SetGenerationCaption(ctx context.Context, id uuid.UUID, caption string) error {
	_, err := db.Pool.Exec(ctx, `UPDATE generations SET caption = $2, updated_at = NOW() WHERE id = $1`, id, nullable(caption))
	return err
}

func (db *DB) MarkGenerationDeadLettered(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	return markDeadLettered(ctx, db.Pool, "generations", id, errMsg)
}

func (db *DB) TouchGeneration(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, `UPDATE generations SET checked_at = NOW() WHERE id = $1`, id)
	return err
}

// ListGenerations pages through a user's generations, newest first.
// status filters when valid. Returns the page and the total count.
func (db *DB) ListGenerations(ctx context.Context, userID uuid.UUID, status lifecycle.Status, offset, limit int) ([]Generation, int, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var filter *string
	if status.Valid() {
		s := string(status)
		filter = &s
	}
	var total int
	if err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM generations WHERE user_id = $1 AND ($2::text IS NULL OR status = $2)`,
		userID, filter).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT `+generationColumns+` FROM generations
		 WHERE user_id = $1 AND ($2::text IS NULL OR status = $2)
		 ORDER BY created_at DESC, id LIMIT $3 OFFSET $4`,
		userID, filter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	list, err := collectGenerations(rows)
	return list, total, err
}

// ListGenerationsByIDs returns the user's rows among ids; unknown ids and
// other users' rows are skipped.
func (db *DB) ListGenerationsByIDs(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]Generation, error) {
	if len(ids) == 0 {
		return []Generation{}, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE user_id = $1 AND id = ANY($2::uuid[])`, userID, strIDs)
	if err != nil {
		return nil, err
	}
	return collectGenerations(rows)
}

// ListStaleGenerations returns open generations nobody has looked at since
// olderThan ago.
func (db *DB) ListStaleGenerations(ctx context.Context, olderThan time.Duration, limit int) ([]Generation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT `+generationColumns+` FROM generations
		 WHERE status = ANY($1) AND COALESCE(checked_at, updated_at) < $2
		 ORDER BY updated_at LIMIT $3`,
		lifecycle.NonTerminal(), time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	return collectGenerations(rows)
}
