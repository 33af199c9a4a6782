package db

import (
	"context"
	"time"

	"github.com/leozw/partner-guardian/internal/core"
)

func (r *Repository) ListSettings(ctx context.Context) ([]core.Setting, error) {
	settings := []core.Setting{}
	err := r.db.SelectContext(ctx, &settings, `SELECT * FROM settings ORDER BY setting_key`)
	return settings, err
}

func (r *Repository) GetSetting(ctx context.Context, key string) (*core.Setting, error) {
	var s core.Setting
	if err := r.db.GetContext(ctx, &s, `SELECT * FROM settings WHERE setting_key = $1`, key); err != nil {
		return nil, notFound(err, "setting")
	}
	return &s, nil
}

// LoadSettings folds the stored settings over the defaults.
func (r *Repository) LoadSettings(ctx context.Context) (core.Settings, error) {
	list, err := r.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	return core.SettingsFromList(list), nil
}

// UpsertSettings writes every setting in one transaction.
func (r *Repository) UpsertSettings(ctx context.Context, settings []core.Setting, updatedBy string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO settings (setting_key, setting_value, description, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (setting_key) DO UPDATE SET
			setting_value = EXCLUDED.setting_value,
			description = COALESCE(EXCLUDED.description, settings.description),
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by`

	now := time.Now()
	for _, s := range settings {
		if _, err := tx.ExecContext(ctx, query, s.Key, s.Value, s.Description, now, updatedBy); err != nil {
			return err
		}
	}
	return tx.Commit()
}
