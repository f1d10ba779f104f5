// Package textutil derives display names and storage-safe tokens from user
// supplied file names.
package textutil
