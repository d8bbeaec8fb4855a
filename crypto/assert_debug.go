//go:build securelinkdebug

package crypto

const debugAssertions = true

func debugAssert(cond bool, msg string) {
	if !cond {
		panic("crypto: assertion failed: " + msg)
	}
}
