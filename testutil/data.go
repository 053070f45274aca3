package testutil

// Payload fixtures in the shapes the backend actually sends. Field naming is
// deliberately mixed: some producers use camelCase, others snake_case or the
// legacy short keys.

// SnapshotPayload is a web/syncOrders envelope with two waiting orders.
const SnapshotPayload = `{"data":[
	{"id":1,"status":"waiting","telephone":"010-1111-2222","addAgent":"3","addAt":"2024-05-01 09:00:00"},
	{"id":2,"status":"waiting","tel":"010-3333-4444","add_agent":"0","add_at":1714525260000}
]}`

// AddOrderPayload is a web/addOrder event for order 3.
const AddOrderPayload = `{"id":3,"status":"waiting","customerName":"Kim","address":"Gangnam-gu 1","addAgent":"5","lat":37.49,"lng":127.02,"eventId":"add-3"}`

// AcceptOrderPayload accepts order 1 by agent 7.
const AcceptOrderPayload = `{"id":1,"accept_agent":"7","acceptAt":1714525320000,"car_no":"12가3456","drv_no":"D-77"}`

// CancelOrderPayload cancels order 2.
const CancelOrderPayload = `{"orderId":2,"cancelAgent":"4","cancelAt":1714525380000,"cancelStatus":"customer-cancel"}`

// ActionOrderPayload appends an action record to order 1.
const ActionOrderPayload = `{"id":1,"action":{"actionId":"a-1","name":"call-customer","agent":"7","at":1714525400000}}`

// ChatPayload appends a chat message to order 1.
const ChatPayload = `{"orderId":1,"msgId":"m-1","from":"D-77","text":"arriving in 3 minutes","at":1714525410000}`

// LocationBatchPayload carries two vehicle fixes.
const LocationBatchPayload = `[{"id":"D1","lat":37.5,"lng":127.0},{"id":"D2","lat":37.6,"lng":127.1}]`
