package orm

import "gorm.io/gorm"

const MaxPageSize = 500

// Paginate page 从 1 开始；非法参数退回默认 1/50，limit 封顶 MaxPageSize
func Paginate(page, limit int) func(db *gorm.DB) *gorm.DB {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return func(db *gorm.DB) *gorm.DB {
		return db.Offset((page - 1) * limit).Limit(limit)
	}
}
