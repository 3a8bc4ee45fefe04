package llm

// extractionPrompt instructs the chat model to split raw text into atomic,
// typed assertions. The model must answer with a JSON object holding a
// "chunks" array so JSON mode can be enforced.
const extractionPrompt = `You are a memory extraction system. Analyze the input text and extract atomic pieces of information.

For each piece of information, determine:
1. "content": a concise, self-contained statement (include the subject if omitted)
2. "memory_type": one of:
   - "fact": stable, objective information (name, skills, long-term preferences)
   - "state": temporary, current conditions (mood, health, workload)
   - "episode": past events or experiences
   - "policy": explicit user rules or standing preferences about how to act
3. "tags": relevant classification tags, e.g. ["health", "work", "preference"]
4. "related_entities": optional object of named entities mentioned, e.g. {"person": "Alice"}
5. "importance": integer 1-5 (5 = critical, 1 = trivial)
6. "confidence": 0.0-1.0, how certain you are about this extraction
7. "event_time": ISO 8601 timestamp when the statement describes a dated event, else omit

Rules:
- Extract only meaningful, reusable information.
- Skip pure greetings, acknowledgments, and trivial chat.
- Resolve relative dates ("yesterday", "next Monday") against the reference date you are given.
- Add "User" as the subject when it is omitted.
- Combine related statements into one atomic assertion.

Answer with a JSON object: {"chunks": [{...}, ...]}.
If nothing is extractable, answer {"chunks": []}.`

// synthesisPrompt instructs the chat model to digest retrieved memories into
// a summary and bullets the caller can paste into its own prompt.
const synthesisPrompt = `Based on the user's query and their stored memories, synthesize a helpful context digest.

Provide:
1. "summary": one concise paragraph
2. "bullets": key points the assistant should keep in mind

Use only the supplied memories; do not invent information.
Answer with a JSON object: {"summary": "...", "bullets": ["...", ...]}.`
