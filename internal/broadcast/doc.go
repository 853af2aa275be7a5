// Package broadcast resolves messages and role groups and fans a message body out to
// recipients, one direct message at a time.
//
// Flow:
//   - Coordinator validates a request and resolves the message body (MessageResolver).
//   - Immediate requests go straight to DeliveryEngine.Broadcast.
//   - Deferred requests are handed to a JobScheduler, which later calls Broadcast.
//   - Broadcast resolves recipients (RecipientDirectory) and runs one sequential pass.
package broadcast
