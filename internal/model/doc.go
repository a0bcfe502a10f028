// Package model holds the data types shared across the scheduling core:
// image requests, outstanding job records, endpoint capacity, and variant
// descriptors.
package model
