package acquire

import "geoip-api/internal/config"

// FromConfig：按 GEOIP_SOURCE 选择获取器并取出凭证
func FromConfig(c config.Config) (Fetcher, Credential) {
	cred := Credential{AccountID: c.AccountID, LicenseKey: c.LicenseKey}
	if c.Source == config.SourceFile {
		return &File{Src: c.SourcePath}, cred
	}
	return NewMaxMind(c.DownloadURL, c.Edition, c.ArchivePath() != "", c.FetchTimeout), cred
}
