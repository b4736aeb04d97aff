//go:build !iomixer_debug

package reflife

// DebugEnabled is false in ordinary builds; see debug_on.go.
const DebugEnabled = false
