// Package mocks provides test doubles for ports interfaces.
//
// These mocks are designed to be simple, thread-safe, in-memory implementations
// suitable for unit testing. Each mock provides:
//
//   - Default behavior that mirrors the real adapter's contract
//   - Callback functions (xxxFn) for customizing behavior per test
//   - xxxDirect methods that bypass the callbacks, so an override can
//     inject a race and then fall through to the default behavior
//   - Helper methods for setting and inspecting state directly
//
// # Usage Example
//
//	func TestIngest(t *testing.T) {
//		store := mocks.NewGroupStore()
//		dispatcher := mocks.NewDispatcher()
//
//		agg := aggregate.New(store, dispatcher, aggregate.DefaultPolicy(), &logger)
//		// ... ingest fragments, then inspect dispatcher.Messages()
//	}
//
// # Available Mocks
//
//   - GroupStore: implements ports.GroupStore
//   - Dispatcher: implements ports.Dispatcher
//   - AnalysisQueue: implements ports.AnalysisQueue and ports.AnalysisResultStore
package mocks
