package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"photoforge/backend/internal/lifecycle"
)

// TrainedModel is a user's fine-tuned model and the training run behind it.
type TrainedModel struct {
	ID             uuid.UUID        `json:"id"`
	UserID         uuid.UUID        `json:"user_id"`
	Name           string           `json:"name"`
	Subject        string           `json:"subject"`
	TriggerWord    string           `json:"trigger_word"`
	Status         lifecycle.Status `json:"status"`
	ReplicateModel string           `json:"replicate_model,omitempty"`
	TrainingID     string           `json:"replicate_training_id,omitempty"`
	Version        string           `json:"version,omitempty"`
	ZipKey         string           `json:"-"`
	ZipURL         string           `json:"-"`
	ImageCount     int              `json:"image_count"`
	Error          string           `json:"error,omitempty"`
	CostCredits    int              `json:"cost_credits"`
	DeadLettered   bool             `json:"dead_lettered"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// NewTrainedModel holds the caller-supplied fields of a training request.
type NewTrainedModel struct {
	UserID      uuid.UUID
	Name        string
	Subject     string
	TriggerWord string
	ZipKey      string
	ZipURL      string
	ImageCount  int
}

const modelColumns = `id, user_id, name, subject, trigger_word, status, replicate_model, replicate_training_id,
	version, zip_key, zip_url, image_count, error, cost_credits, dead_lettered, created_at, updated_at, completed_at`

func scanModel(row pgx.Row) (*TrainedModel, error) {
	var m TrainedModel
	var status string
	var repModel, trainingID, version, errMsg *string
	err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.Subject, &m.TriggerWord, &status, &repModel, &trainingID,
		&version, &m.ZipKey, &m.ZipURL, &m.ImageCount, &errMsg, &m.CostCredits, &m.DeadLettered,
		&m.CreatedAt, &m.UpdatedAt, &m.CompletedAt)
	if err != nil {
		return nil, notFound(err)
	}
	m.Status = lifecycle.Status(status)
	m.ReplicateModel = deref(repModel)
	m.TrainingID = deref(trainingID)
	m.Version = deref(version)
	m.Error = deref(errMsg)
	return &m, nil
}

// CreateTrainedModel inserts the model row and debits cost in one
// transaction. Returns the new id and remaining balance.
func (db *DB) CreateTrainedModel(ctx context.Context, in NewTrainedModel, cost int) (uuid.UUID, int, error) {
	id := uuid.New()
	var balance int
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO trained_models (id, user_id, name, subject, trigger_word, zip_key, zip_url, image_count, cost_credits)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, in.UserID, in.Name, in.Subject, in.TriggerWord, in.ZipKey, in.ZipURL, in.ImageCount, cost)
		if err != nil {
			return err
		}
		balance, err = DebitTx(ctx, tx, in.UserID, cost, ReasonTraining, id.String())
		return err
	})
	if err != nil {
		return uuid.Nil, 0, err
	}
	return id, balance, nil
}

func (db *DB) GetTrainedModel(ctx context.Context, id uuid.UUID) (*TrainedModel, error) {
	return scanModel(db.Pool.QueryRow(ctx, `SELECT `+modelColumns+` FROM trained_models WHERE id = $1`, id))
}

// GetTrainedModelForUser hides other users' models behind ErrNotFound.
func (db *DB) GetTrainedModelForUser(ctx context.Context, id, userID uuid.UUID) (*TrainedModel, error) {
	return scanModel(db.Pool.QueryRow(ctx,
		`SELECT `+modelColumns+` FROM trained_models WHERE id = $1 AND user_id = $2`, id, userID))
}

func (db *DB) TrainedModelByTrainingID(ctx context.Context, trainingID string) (*TrainedModel, error) {
	return scanModel(db.Pool.QueryRow(ctx,
		`SELECT `+modelColumns+` FROM trained_models WHERE replicate_training_id = $1`, trainingID))
}

func (db *DB) ListTrainedModels(ctx context.Context, userID uuid.UUID) ([]TrainedModel, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+modelColumns+` FROM trained_models WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return collectModels(rows)
}

func collectModels(rows pgx.Rows) ([]TrainedModel, error) {
	defer rows.Close()
	list := []TrainedModel{}
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

// SetTrainingStarted records the Replicate training once. A redelivered
// start task finds the id already set and gets false.
func (db *DB) SetTrainingStarted(ctx context.Context, id uuid.UUID, replicateModel, trainingID string) (bool, error) {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE trained_models SET replicate_model = $2, replicate_training_id = $3, updated_at = NOW(), checked_at = NOW()
		 WHERE id = $1 AND replicate_training_id IS NULL AND status = ANY($4)`,
		id, replicateModel, trainingID, lifecycle.NonTerminal())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyTrainingStatus moves the model through the lifecycle. version is
// stored only when non-empty. Returns false when the move was not legal from
// the row's current status.
func (db *DB) ApplyTrainingStatus(ctx context.Context, id uuid.UUID, to lifecycle.Status, version, errMsg string) (bool, error) {
	return applyStatus(ctx, db.Pool, "trained_models", id, to, errMsg, `, version = COALESCE($5, version)`, nullable(version))
}

// MarkTrainingDeadLettered flags the row and fails it if still open.
func (db *DB) MarkTrainingDeadLettered(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	return markDeadLettered(ctx, db.Pool, "trained_models", id, errMsg)
}

// TouchTraining records that a poll looked at the row.
func (db *DB) TouchTraining(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, `UPDATE trained_models SET checked_at = NOW() WHERE id = $1`, id)
	return err
}

// ListStaleTrainings returns open trainings nobody has looked at since
// olderThan ago.
func (db *DB) ListStaleTrainings(ctx context.Context, olderThan time.Duration, limit int) ([]TrainedModel, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT `+modelColumns+` FROM trained_models
		 WHERE status = ANY($1) AND COALESCE(checked_at, updated_at) < $2
		 ORDER BY updated_at LIMIT $3`,
		lifecycle.NonTerminal(), time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	return collectModels(rows)
}

func markDeadLettered(ctx context.Context, q querier, table string, id uuid.UUID, errMsg string) (bool, error) {
	if _, err := q.Exec(ctx, `UPDATE `+table+` SET dead_lettered = TRUE, updated_at = NOW() WHERE id = $1`, id); err != nil {
		return false, err
	}
	return applyStatus(ctx, q, table, id, lifecycle.Failed, errMsg, "")
}
