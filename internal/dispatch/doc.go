// Package dispatch delivers state transition messages and owns the
// controller's store subscriptions.
//
// The Registry holds exactly one watch per (path, purpose). Every live node
// gets one controller-side watch on its message queue and one on its
// current-state records; the node itself holds the only other watch on its
// queue. Reconcile recomputes the wanted set from each snapshot instead of
// registering watches ad hoc from event handlers.
//
// Dispatcher.Dispatch establishes the queue subscription synchronously
// before it writes a message, so a node that joined after the controller
// started can never receive a message the controller is not watching.
package dispatch
