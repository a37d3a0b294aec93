package redis

// Key layout. Every branch owns three keys:
//
//	{prefix}branch:{id}:queue     sorted set, member token id, score priority
//	{prefix}branch:{id}:tokens    hash, token id -> JSON snapshot
//	{prefix}branch:{id}:arrivals  hash, token id -> arrival in unix microseconds
//
// plus {prefix}token:{id}:branch naming the branch a token is queued in, and
// {prefix}branches, the set of branches that have ever held a token.

const defaultPrefix = "qms:"

type keys struct {
	prefix string
}

func (k keys) queue(branchID string) string    { return k.prefix + "branch:" + branchID + ":queue" }
func (k keys) tokens(branchID string) string   { return k.prefix + "branch:" + branchID + ":tokens" }
func (k keys) arrivals(branchID string) string { return k.prefix + "branch:" + branchID + ":arrivals" }
func (k keys) branches() string                { return k.prefix + "branches" }

func (k keys) tokenBranchPrefix() string        { return k.prefix + "token:" }
func (k keys) tokenBranch(tokenID string) string { return k.tokenBranchPrefix() + tokenID + ":branch" }

func (k keys) branch(branchID string) []string {
	return []string{k.queue(branchID), k.tokens(branchID), k.arrivals(branchID)}
}
