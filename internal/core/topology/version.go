package topology

// versionNewer 判断 candidate 是否比 current 更新
//
// u32 序列号比较：差值落在半区间内视为更新（RFC 1982 风格），
// 单个会话内实际远不会回绕。
func versionNewer(candidate, current uint32) bool {
	if candidate == current {
		return false
	}
	return candidate-current < 1<<31
}
