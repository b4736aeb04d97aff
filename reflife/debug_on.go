//go:build iomixer_debug

package reflife

// DebugEnabled is true when the module is built with the iomixer_debug tag.
// No code in this module reads it; Registry methods work the same in every
// build.
const DebugEnabled = true
