//go:build !securelinkdebug

package crypto

const debugAssertions = false

func debugAssert(bool, string) {}
