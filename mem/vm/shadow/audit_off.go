//go:build !shadowaudit

package shadow

const auditEnabled = false
