package cluster

// NoLeader is the leader id meaning "no leader designated".
const NoLeader int64 = 0

// InstanceInfo identifies a registered store server instance.
//
// ID is issued by the hub from a single global sequence shared with store
// ids (a store's id equals its owning instance's id; each instance hosts at
// most one store). Addr is the instance's registered base URL, which already
// ends in the id, e.g. "http://host:8081/bookstores/7".
type InstanceInfo struct {
	ID   int64  `json:"id"`
	Addr string `json:"address"`
}

// RegisterRequest is the body an instance sends to the hub when it first
// registers. Address is the instance's URL prefix without the id; the hub
// appends the id it issues.
type RegisterRequest struct {
	Address string `json:"address"`
}
