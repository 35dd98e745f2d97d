package assessments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/token"
)

// PostgresStore persists risk assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *risk.Assessment) error {
	tokenJSON, err := json.Marshal(a.Token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	signals := a.Signals
	if signals == nil {
		signals = []*risk.Signal{}
	}
	signalsJSON, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, token_address, symbol, score, classification, token, signals, error, assessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID,
		a.Token.Address.Hex(),
		a.Token.Symbol,
		a.Score,
		string(a.Classification),
		tokenJSON,
		signalsJSON,
		a.Error,
		a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByToken(ctx context.Context, addr common.Address, limit int) ([]*risk.Assessment, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, score, classification, token, signals, error, assessed_at
		FROM risk_assessments
		WHERE token_address = $1
		ORDER BY assessed_at DESC
		LIMIT $2
	`, addr.Hex(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*risk.Assessment
	for rows.Next() {
		var (
			a              risk.Assessment
			classification string
			tokenJSON      []byte
			signalsJSON    []byte
		)
		if err := rows.Scan(&a.ID, &a.Score, &classification, &tokenJSON, &signalsJSON, &a.Error, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		a.Classification = risk.Classification(classification)

		var rec token.Record
		if err := json.Unmarshal(tokenJSON, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal token: %w", err)
		}
		a.Token = &rec
		if err := json.Unmarshal(signalsJSON, &a.Signals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signals: %w", err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}
