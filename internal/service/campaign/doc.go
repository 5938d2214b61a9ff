// Package campaign implements the campaign state machine.
//
// The service owns a campaign's lifecycle (draft → scheduled → running →
// completed/failed/cancelled) and arbitrates run and cancel requests. Starting
// a campaign resolves its recipients once and hands the list to the delivery
// store, which creates one pending DeliveryAttempt per recipient in the same
// transaction as the status change. It depends on repository interfaces
// defined here and in service/delivery and should never import from api/.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package campaign
