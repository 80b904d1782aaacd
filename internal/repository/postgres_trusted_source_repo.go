package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/forge/internal/model"
)

// PostgresTrustedSourceRepo はPostgreSQLを使用した信頼済みソースリポジトリ。
type PostgresTrustedSourceRepo struct {
	db *sql.DB
}

// NewPostgresTrustedSourceRepo はPostgresTrustedSourceRepoを生成する。
func NewPostgresTrustedSourceRepo(db *sql.DB) *PostgresTrustedSourceRepo {
	return &PostgresTrustedSourceRepo{db: db}
}

// ListAll は全ての信頼済みソースをドメイン順に返す。
func (r *PostgresTrustedSourceRepo) ListAll(ctx context.Context) ([]model.TrustedSource, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT domain, name, trust_level, updated_at
		 FROM trusted_sources
		 ORDER BY domain`,
	)
	if err != nil {
		return nil, fmt.Errorf("信頼済みソースの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []model.TrustedSource
	for rows.Next() {
		var s model.TrustedSource
		var level string
		if err := rows.Scan(&s.Domain, &s.Name, &level, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("信頼済みソースの読み取りに失敗しました: %w", err)
		}
		s.TrustLevel = model.TrustLevel(level)
		sources = append(sources, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("信頼済みソースの読み取りに失敗しました: %w", err)
	}
	return sources, nil
}

// Upsert はドメインをキーに信頼済みソースを作成または更新する。
func (r *PostgresTrustedSourceRepo) Upsert(ctx context.Context, source *model.TrustedSource) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO trusted_sources (domain, name, trust_level, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (domain) DO UPDATE SET
		   name = EXCLUDED.name,
		   trust_level = EXCLUDED.trust_level,
		   updated_at = now()
		 RETURNING updated_at`,
		source.Domain, source.Name, string(source.TrustLevel),
	).Scan(&source.UpdatedAt)
	if err != nil {
		return fmt.Errorf("信頼済みソースの保存に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ TrustedSourceRepository = (*PostgresTrustedSourceRepo)(nil)
