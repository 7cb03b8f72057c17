//go:build sqlite
// +build sqlite

package jobtracker_test

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/jobtracker"
)

var _ = Describe("SQLiteBlobStore", func() {
	BlobStoreTestSuite(func() jobtracker.BlobStore {
		store, err := jobtracker.NewSQLiteBlobStore(filepath.Join(GinkgoT().TempDir(), "jobs.db"))
		Expect(err).NotTo(HaveOccurred())
		return store
	})
})
