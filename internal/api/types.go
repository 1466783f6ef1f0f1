package api

import (
	"geoip-api/internal/geodb"
	"geoip-api/internal/refresh"
)

// 文档注释：错误返回结构（对外）
// 约束：字段名沿用 detail，与既有客户端保持兼容。
type errorResult struct {
	Detail string `json:"detail"`
	IP     string `json:"ip,omitempty"`
}

// 文档注释：健康检查返回结构
// 背景：汇总刷新状态与当前数据集标识；未发布数据集时 Status 为 unavailable 并返回 503。
type healthResult struct {
	Status   string          `json:"status"`
	Dataset  *geodb.Identity `json:"dataset,omitempty"`
	Refresh  refresh.Status  `json:"refresh"`
	Retiring int64           `json:"retiring"`
}

type refreshResult struct {
	Outcome    refresh.Outcome `json:"outcome"`
	Generation uint64          `json:"generation"`
	Error      string          `json:"error,omitempty"`
}
