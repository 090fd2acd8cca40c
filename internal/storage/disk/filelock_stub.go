//go:build !unix

package disk

import "os"

// Without record locks only the in-process key mutex applies.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
