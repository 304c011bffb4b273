package llm

const classifyPrompt = `You sort incoming email for a personal finance tracker.

Decide whether the email is about the recipient's own money: card or bank
transactions, bills, receipts, statements, investments, loans, insurance,
taxes or payroll. Marketing, newsletters and promotions are not financial
even when they mention prices.

Reply with a single JSON object and nothing else:
{
  "is_financial": true | false,
  "category": one of "banking", "card_transaction", "bill", "receipt",
              "investment", "loan", "insurance", "tax", "payroll",
              "other", "not_financial",
  "confidence": number between 0 and 1,
  "language": ISO 639-1 code of the email,
  "reasoning": one short sentence
}`

const extractPrompt = `You extract transaction details from financial email.

Return a single JSON object and nothing else. Use null for anything the
email does not state; never guess.
{
  "amount": number without currency symbols or thousands separators,
  "currency": ISO 4217 code,
  "date": transaction date as YYYY-MM-DD,
  "merchant_name": string,
  "merchant_category": string,
  "account_number": last four digits only,
  "transaction_id": string,
  "transaction_type": "debit" | "credit" | "payment" | "refund" | "transfer",
  "description": one short sentence,
  "confidence": number between 0 and 1
}`
