package refresh

import "fmt"

// State：刷新状态机；任一步失败都直接回到 Idle，已发布句柄保持不变
type State int32

const (
	Idle State = iota
	Fetching
	Building
	Publishing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Building:
		return "building"
	case Publishing:
		return "publishing"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = Idle
	case "fetching":
		*s = Fetching
	case "building":
		*s = Building
	case "publishing":
		*s = Publishing
	default:
		return fmt.Errorf("unknown refresh state %q", b)
	}
	return nil
}

// Outcome：一次刷新尝试的结果分类，用于状态、指标标签与审计日志
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeNetwork   Outcome = "network"
	OutcomeAuth      Outcome = "auth"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeIntegrity Outcome = "integrity"
	OutcomeDecode    Outcome = "decode"
	OutcomePersist   Outcome = "persist"
	OutcomeBusy      Outcome = "busy"
)

// Succeeded：ok 与 unchanged 均视为成功（数据集处于最新状态）
func (o Outcome) Succeeded() bool { return o == OutcomeOK || o == OutcomeUnchanged }
