package acquire

import "context"

// Credential：上游凭证；AccountID 为空时以 license_key 参数鉴权
type Credential struct {
	AccountID  string
	LicenseKey string
}

// Fetcher：获取协作者契约
// 约束：成功返回的路径必须是已通过完整性校验的完整文件；dest 所在目录由调用方独占。
type Fetcher interface {
	Fetch(ctx context.Context, cred Credential, dest string) (string, error)
}
