package testutil

import (
	"bytes"
	"fmt"
	"os"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

const maxPrintableLen = 1024

func Byf(format string, args ...interface{}) {
	By(fmt.Sprintf(format, args...))
	fmt.Fprintln(GinkgoWriter)
}

// ExpectBytesEqual has much less overhead for large byte chunks than
// gomega.Equal.
func ExpectBytesEqual(a, b []byte) {
	ExpectBytesEqualWithOffset(1, a, b)
}

func ExpectBytesEqualWithOffset(off int, a, b []byte) {
	off++
	if !bytes.Equal(a, b) {
		if len(a)+len(b) <= 2*maxPrintableLen {
			ExpectWithOffset(off, a).To(Equal(b))
		}
		ExpectWithOffset(off, len(a)).To(Equal(len(b)), "Length are unequal and data is too large to print.")
		for i, ab := range a {
			if ab != b[i] {
				cmpLen := maxPrintableLen
				if leftChunk := a[i:]; len(leftChunk) < maxPrintableLen {
					cmpLen = len(leftChunk)
				}
				ExpectWithOffset(off, a[i:cmpLen]).To(Equal(b[i:cmpLen]), "Skipped %v equal bytes.", i)
			}
		}
	}
}

func TmpFileName() string {
	f, err := os.CreateTemp("", "go_test_tmp_")
	Expect(err).To(BeNil())
	filename := f.Name()
	Expect(f.Close()).To(Succeed())
	Expect(os.Remove(filename)).To(Succeed())
	return filename
}
