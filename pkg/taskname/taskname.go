package taskname

const (
	// Licence tasks
	LicenceTokensRegenerate = "licence:tokens:regenerate"
)
