// Package sources は信頼済みソースの一覧をYAMLファイルから取り込む。
//
// ファイル形式:
//
//	sources:
//	  - domain: espn.com
//	    name: ESPN
//	    trust_level: high
package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/forge/internal/model"
	"github.com/hitoshi/forge/internal/trust"
)

// Upserter は信頼済みソースの書き込みに必要なインターフェース。
// repository.TrustedSourceRepositoryが実装する。
type Upserter interface {
	Upsert(ctx context.Context, source *model.TrustedSource) error
}

type entry struct {
	Domain     string `yaml:"domain"`
	Name       string `yaml:"name"`
	TrustLevel string `yaml:"trust_level"`
}

type document struct {
	Sources []entry `yaml:"sources"`
}

// Parse はYAMLを読み取り、正規化済みの信頼済みソース一覧を返す。
// 1件でも不正な項目があれば何も返さず、全項目の問題をまとめたエラーを返す。
func Parse(data []byte) ([]model.TrustedSource, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("YAMLの解析に失敗しました: %w", err)
	}
	if len(doc.Sources) == 0 {
		return nil, errors.New("sourcesが空です")
	}

	var errs []error
	seen := make(map[string]int, len(doc.Sources))
	out := make([]model.TrustedSource, 0, len(doc.Sources))
	for i, e := range doc.Sources {
		raw := strings.TrimSpace(e.Domain)
		domain := trust.NormalizeDomain(raw)
		level := model.TrustLevel(strings.ToLower(strings.TrimSpace(e.TrustLevel)))

		switch {
		case domain == "":
			errs = append(errs, fmt.Errorf("%d件目: domainが空です", i+1))
			continue
		case strings.ContainsAny(raw, "/?# @"):
			errs = append(errs, fmt.Errorf("%d件目: domainにはホスト名のみを指定してください: %q", i+1, e.Domain))
			continue
		case !level.Valid():
			errs = append(errs, fmt.Errorf("%d件目 (%s): trust_levelが不正です: %q", i+1, domain, e.TrustLevel))
			continue
		}
		if prev, dup := seen[domain]; dup {
			errs = append(errs, fmt.Errorf("%d件目: domainが%d件目と重複しています: %s", i+1, prev, domain))
			continue
		}
		seen[domain] = i + 1

		name := strings.TrimSpace(e.Name)
		if name == "" {
			name = domain
		}
		out = append(out, model.TrustedSource{Domain: domain, Name: name, TrustLevel: level})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Importer はYAMLの信頼済みソース一覧をリポジトリに書き込む。
type Importer struct {
	repo   Upserter
	logger *slog.Logger
}

// NewImporter はImporterを生成する。
func NewImporter(repo Upserter, logger *slog.Logger) *Importer {
	return &Importer{repo: repo, logger: logger.With(slog.String("component", "sources"))}
}

// ImportFile はファイルを読み込んでImportを呼ぶ。
func (i *Importer) ImportFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("ファイルの読み込みに失敗しました: %w", err)
	}
	return i.Import(ctx, data)
}

// Import は全項目を検証してから順にUpsertし、書き込んだ件数を返す。
// 検証に失敗した場合は1件も書き込まない。
func (i *Importer) Import(ctx context.Context, data []byte) (int, error) {
	sources, err := Parse(data)
	if err != nil {
		return 0, err
	}

	for n := range sources {
		if err := i.repo.Upsert(ctx, &sources[n]); err != nil {
			return n, fmt.Errorf("%sの書き込みに失敗しました: %w", sources[n].Domain, err)
		}
		i.logger.Debug("信頼済みソースを登録しました",
			slog.String("domain", sources[n].Domain),
			slog.String("trust_level", string(sources[n].TrustLevel)),
		)
	}

	i.logger.Info("信頼済みソースを取り込みました", slog.Int("count", len(sources)))
	return len(sources), nil
}
