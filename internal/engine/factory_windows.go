//go:build windows

package engine

// NewPlatformAdapter returns the Engine Adapter variant native to this
// platform: the COM-in-process DbgEng adapter on Windows. cfg is accepted
// for signature parity with the non-Windows build but unused — DbgEng has
// no subprocess to configure.
func NewPlatformAdapter(cfg SubprocessConfig) Adapter {
	return NewDbgEng()
}
