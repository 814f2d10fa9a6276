package models

// 同步步骤状态
const (
	SyncStatusApplied    = "applied"
	SyncStatusFailed     = "failed"
	SyncStatusRolledBack = "rolled_back"
	SyncStatusSkipped    = "skipped"
)

// 同步动作
const (
	SyncActionCreateTable = "create_table"
	SyncActionAddColumn   = "add_column"
	SyncActionDropColumn  = "drop_column"
	SyncActionCreateIndex = "create_index"
	SyncActionDropIndex   = "drop_index"
)

// SyncOptions 同步选项
type SyncOptions struct {
	// DropOrphans 删除孤立列，只能由显式的管理操作触发
	DropOrphans bool `json:"drop_orphans"`
}

// SyncOutcome 单个DDL步骤的执行结果
type SyncOutcome struct {
	Action string `json:"action"`
	Column string `json:"column,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SyncReport 一次同步的结果报告
type SyncReport struct {
	TemplateID     string        `json:"template_id"`
	Table          string        `json:"table"`
	Transactional  bool          `json:"transactional"`
	Created        bool          `json:"created"`
	Added          []string      `json:"added"`
	Dropped        []string      `json:"dropped"`
	Orphans        []string      `json:"orphans"`
	Missing        []string      `json:"missing"`
	IndexesCreated []string      `json:"indexes_created"`
	IndexesDropped []string      `json:"indexes_dropped"`
	Outcomes       []SyncOutcome `json:"outcomes"`
}

// Changed 本次同步是否修改了物理表
func (r *SyncReport) Changed() bool {
	return r.Created || len(r.Added) > 0 || len(r.Dropped) > 0 ||
		len(r.IndexesCreated) > 0 || len(r.IndexesDropped) > 0
}

// Failed 是否存在失败步骤
func (r *SyncReport) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Status == SyncStatusFailed {
			return true
		}
	}
	return false
}
