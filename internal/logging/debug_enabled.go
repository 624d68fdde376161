//go:build fixgate_debug

package logging

const debugEnabled = true
