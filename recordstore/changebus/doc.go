// Package changebus provides the in-process event bus that decouples
// mutation producers from interested consumers via named topics.
//
// Delivery to a given subscription is ordered (events arrive in publish
// order) with back-pressure through a bounded per-subscription queue; no
// ordering is guaranteed across different subscriptions or topics. There is
// no historical replay: a subscription only sees events published after it
// was registered.
package changebus
