package producer

import (
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/publish"
)

// Route is where and how urgently a proposal is announced.
type Route struct {
	Topic    string
	Priority publish.Priority
}

// DefaultRoute carries kinds without a dedicated route.
var DefaultRoute = Route{Topic: "general", Priority: publish.PriorityNormal}

// RouteFor maps every kind to a route.
func RouteFor(kind contracts.Kind) Route {
	switch kind {
	case contracts.KindMatch:
		return Route{Topic: "mutual-aid.match", Priority: publish.PriorityNormal}
	case contracts.KindUrgentExchange:
		return Route{Topic: "mutual-aid.urgent", Priority: publish.PriorityUrgent}
	case contracts.KindReplenishment:
		return Route{Topic: "inventory.replenishment", Priority: publish.PriorityNormal}
	case contracts.KindCacheEviction:
		return Route{Topic: "node.cache", Priority: publish.PriorityLow}
	case contracts.KindAlert:
		return Route{Topic: "alerts", Priority: publish.PriorityHigh}
	default:
		return DefaultRoute
	}
}
