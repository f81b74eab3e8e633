package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/fitstream-app/fitstream-backend/pkg/db"
	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	"github.com/fitstream-app/fitstream-backend/pkg/enums"
	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
	pkgpagination "github.com/fitstream-app/fitstream-backend/pkg/pagination"
)

// Repository reads and writes the asset catalog. Variant rows exist only for
// jobs that reached the success terminal, so availability questions never
// consult the job table.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	err := r.db.WithContext(ctx).First(&asset, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "asset not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "find asset")
	}
	return &asset, nil
}

// CreateVariantTx appends one quality entry. A variant that already exists is
// left untouched; recording the same success twice is a no-op.
func (r *Repository) CreateVariantTx(tx *gorm.DB, variant *models.AssetVariant) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "transaction handle is required")
	}
	if variant.ID == uuid.Nil {
		variant.ID = uuid.New()
	}
	if err := tx.Create(variant).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_asset_variants_asset_quality") {
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create asset variant")
	}
	return nil
}

func (r *Repository) ListVariants(ctx context.Context, assetID uuid.UUID) ([]models.AssetVariant, error) {
	return r.listVariants(r.db.WithContext(ctx), assetID)
}

// ListVariantsTx is ListVariants inside a caller-owned transaction.
func (r *Repository) ListVariantsTx(tx *gorm.DB, assetID uuid.UUID) ([]models.AssetVariant, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction handle is required")
	}
	return r.listVariants(tx, assetID)
}

func (r *Repository) listVariants(db *gorm.DB, assetID uuid.UUID) ([]models.AssetVariant, error) {
	var variants []models.AssetVariant
	err := db.
		Where("asset_id = ?", assetID).
		Order("quality ASC").
		Find(&variants).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list asset variants")
	}
	return variants, nil
}

func (r *Repository) FindVariant(ctx context.Context, assetID uuid.UUID, quality enums.Quality) (*models.AssetVariant, error) {
	var variant models.AssetVariant
	err := r.db.WithContext(ctx).
		First(&variant, "asset_id = ? AND quality = ?", assetID, string(quality)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "quality not available for asset")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "find asset variant")
	}
	return &variant, nil
}

// MarkPublishedTx flips the asset to published. Reports whether this call
// performed the flip, so the publish event fires exactly once.
func (r *Repository) MarkPublishedTx(tx *gorm.DB, assetID uuid.UUID) (bool, error) {
	if tx == nil {
		return false, pkgerrors.New(pkgerrors.CodeInternal, "transaction handle is required")
	}
	result := tx.
		Model(&models.Asset{}).
		Where("id = ? AND published = ?", assetID, false).
		Update("published", true)
	if result.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, result.Error, "mark asset published")
	}
	return result.RowsAffected == 1, nil
}

// ListAssets pages through the catalog newest-first by cursor.
func (r *Repository) ListAssets(ctx context.Context, params pkgpagination.Params) ([]models.Asset, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Asset{}).
		Order("created_at DESC, id DESC").
		Limit(pkgpagination.LimitWithBuffer(params.Limit))

	cursor, err := pkgpagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	if cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	var assets []models.Asset
	if err := query.Find(&assets).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list assets")
	}
	return assets, nil
}
