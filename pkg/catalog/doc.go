// Package catalog is the bbolt-backed record of indexing generations per
// repository branch. It backs temporal-index history queries.
package catalog
