package engine

// Object types mirrored from the billing platform. The slice order is the
// fan-out order for a fresh sweep: primary entity types first, child types
// after their parents, and the catch-up events feed last so its
// re-fetch-and-upsert calls land on a store that already has baseline rows.
const (
	TypeCustomers         = "customers"
	TypeProducts          = "products"
	TypePlans             = "plans"
	TypePrices            = "prices"
	TypeSubscriptions     = "subscriptions"
	TypeSubscriptionItems = "subscription_items"
	TypeInvoices          = "invoices"
	TypeCharges           = "charges"
	TypeDisputes          = "disputes"
	TypeEvents            = "events"
)

// AllObjectTypes returns the known object types in processing order.
func AllObjectTypes() []string {
	return []string{
		TypeCustomers,
		TypeProducts,
		TypePlans,
		TypePrices,
		TypeSubscriptions,
		TypeSubscriptionItems,
		TypeInvoices,
		TypeCharges,
		TypeDisputes,
		TypeEvents,
	}
}
